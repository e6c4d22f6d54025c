package ansible

import "strings"

// InlineInventory renders hosts as an inline inventory ("a,b,"). The trailing
// comma makes ansible treat the argument as a host list, not a file path.
func InlineInventory(hosts []string) string {
	var b strings.Builder
	for _, h := range hosts {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		b.WriteString(h)
		b.WriteByte(',')
	}
	return b.String()
}
