package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Dhan Portfolio Tracker Configuration

[trading]
# Trading mode: "live" or "paper"
mode = "live"
# Broker: "dhan" or "zerodha"
broker = "dhan"

[protection]
# Cap on loss below cost while the position is down less than this percent
max_loss_pct = 10.0
# Beyond max_loss_pct, stop this far below the current price
deep_loss_pct = 5.0
# Used whenever a computed stop would sit at or above the current price
safety_fallback_pct = 5.0
# Target leg above the current price (immediate mode only)
target_pct = 20.0
trailing_jump = 0.0
# Holdings below these limits are skipped
min_quantity = 1
min_value = 0.0
tick_size = 0.01
# Smallest price change worth a modify call
modify_epsilon = 0.01
# After-market release slot: PRE_OPEN, OPEN, OPEN_30, OPEN_60
amo_time = "OPEN"
# Order mutations in flight (1-4)
submit_concurrency = 2
fetch_concurrency = 4
lookback_days = 365

# Profit-lock tiers, highest threshold first
[[protection.tiers]]
min_pnl_pct = 50.0
lock_pct = 35.0

[[protection.tiers]]
min_pnl_pct = 30.0
lock_pct = 20.0

[[protection.tiers]]
min_pnl_pct = 20.0
lock_pct = 12.0

[[protection.tiers]]
min_pnl_pct = 10.0
lock_pct = 5.0

[[protection.tiers]]
min_pnl_pct = 5.0
lock_pct = 2.0

[[protection.tiers]]
min_pnl_pct = 0.0
lock_pct = 0.0

[http]
timeout = "30s"
requests_per_second = 5.0
dhan_base_url = "https://api.dhan.co/v2"
nse_base_url = "https://www.nseindia.com"
upstox_base_url = "https://api.upstox.com/v2"

[token]
# Renew before the 24h Dhan token lapses
refresh_interval = "23h"
lifetime = "24h"
max_tick_gap = "30m"

[server]
addr = ":8080"
# Required in the X-Password header; prefer APP_PASSWORD
password = ""
allowed_origins = []

[scheduler]
enabled = true
timezone = "Asia/Kolkata"
amo_schedule = "30 8 * * 1-5"
super_schedule = "20 9 * * 1-5"
trigger_schedule = "*/15 9-15 * * 1-5"
# Email the day's triggers after the close; empty disables
summary_schedule = "45 15 * * 1-5"

[store]
# Defaults to ~/.config/dhan-tracker/tracker.db
db_path = ""

[security]
# Block every order mutation
read_only_mode = false
# Append-only JSON audit trail of order actions
audit_enabled = true
audit_dir = ""

[notifications]
# Enable notifications
enabled = false
# Notification level: all, triggers_only, errors_only
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[notifications.email]
enabled = false
smtp_host = ""
smtp_port = 587
username = ""
password = ""
from = ""
to = ""
`

const credentialsTemplate = `# Dhan Portfolio Tracker Credentials
# WARNING: Keep this file secure! Do not commit to version control.
# A token saved with "dhan-tracker token set" takes priority over this file.

[dhan]
client_id = ""
access_token = ""

[upstox]
access_token = ""

[zerodha]
api_key = ""
api_secret = ""
access_token = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	return nil
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Use restricted permissions for credentials file
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}

	return nil
}

// WriteTemplates writes config.toml and credentials.toml into configDir.
// Existing files are kept unless overwrite is set. It returns the paths written.
func WriteTemplates(configDir string, overwrite bool) ([]string, error) {
	var written []string
	for _, name := range []string{"config", "credentials"} {
		path := filepath.Join(configDir, name+".toml")
		if _, err := os.Stat(path); err == nil && !overwrite {
			continue
		}
		var err error
		if name == "config" {
			err = createTemplateConfig(configDir, name)
		} else {
			err = createTemplateCredentials(configDir)
		}
		if err != nil {
			return written, err
		}
		written = append(written, path)
	}
	return written, nil
}
