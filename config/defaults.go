package config

import (
	"time"

	"github.com/spf13/viper"

	"gaugewatch/source"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("checkpoint_path", "./data/checkpoints.json")
	v.SetDefault("journal_path", "./data/journal.db")
	v.SetDefault("plot_path", "./plot.html")
	v.SetDefault("timezone", "")
	v.SetDefault("schedule", "")
	v.SetDefault("fetch.margin", 24*time.Hour)

	v.SetDefault("source.base_url", "http://tc.tastek.cn")
	v.SetDefault("source.login_path", source.DefaultLoginPath)
	v.SetDefault("source.query_path", source.DefaultQueryPath)
	v.SetDefault("source.account", "")
	v.SetDefault("source.password", "")
	v.SetDefault("source.company_user_id", "")
	v.SetDefault("source.timeout", 30*time.Second)

	v.SetDefault("publish.enabled", false)
	v.SetDefault("publish.addr", "")
	v.SetDefault("publish.user", "")
	v.SetDefault("publish.key_path", "")
	v.SetDefault("publish.known_hosts", "")
	v.SetDefault("publish.remote_dir", "")

	v.SetDefault("default_start", "2022-01-13 22:00:00")
}

// defaultSites is the bridge deployment: three strain gauge / thermistor
// pairs on the highway viaduct; the strain gauges report displacement in mm.
// It is used only when no configuration sets sites, since viper would merge a
// nested default into the configured catalog.
func defaultSites() map[string]any {
	gauge := func(id string) map[string]any {
		return map[string]any{
			"id":          id,
			"calibration": map[string]any{"slope": 3.4, "intercept": -338.0},
		}
	}
	thermistor := func(id string) map[string]any {
		return map[string]any{"id": id}
	}
	return map[string]any{
		"highway": []any{
			map[string]any{"straingauge": gauge("1464336"), "thermistor": thermistor("1487032")},
			map[string]any{"straingauge": gauge("1932949"), "thermistor": thermistor("1932950")},
			map[string]any{"straingauge": gauge("1929469"), "thermistor": thermistor("1929468")},
		},
	}
}
