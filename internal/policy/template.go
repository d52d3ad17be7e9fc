package policy

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Template is the starter policy written on bootstrap and by `policy init`.
const Template = `# agentguard tool policy
#
# tier: 1 (strictest) | 2 | 3 | none
#   tier 1 defaults to enumerated confirmation (echo a one-time code), 120s timeout
#   tier 2 defaults to inline confirmation (reply yes/no), 60s timeout
#   tier 3 and none run without confirmation
# allowed_users: "assignee-only" or a list of user ids allowed to confirm
# cooldown: fixed hourly/daily windows, 0 = unlimited
# escalate: tighten the tier when a numeric parameter exceeds a threshold
version: 1

tools:
  read_file:
    tier: none
  list_dir:
    tier: none
  write_file:
    tier: 2
    cooldown:
      max_per_hour: 30
  shell:
    tier: 2
    timeout: 90
    cooldown:
      max_per_hour: 20
      max_per_day: 200
  wallet_transfer:
    tier: 2
    escalate:
      - param: amount
        above: 1000
        tier: 1
    cooldown:
      max_per_hour: 5
      max_per_day: 20

wildcards:
  - pattern: "wallet_*"
    tier: 1
  - pattern: "*_delete"
    tier: 2
    require_confirmation: true

fallback:
  tier: none
`

// WriteTemplate creates path with Template unless it already exists.
// It reports whether the file was created.
func WriteTemplate(path string) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return false, fmt.Errorf("create policy dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create policy template: %w", err)
	}
	if _, err := f.WriteString(Template); err != nil {
		f.Close()
		return false, fmt.Errorf("write policy template: %w", err)
	}
	if err := f.Close(); err != nil {
		return false, fmt.Errorf("close policy template: %w", err)
	}
	return true, nil
}
