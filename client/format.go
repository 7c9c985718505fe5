package client

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ryanuber/columnize"
)

// FormatMembers renders members as an aligned table suitable for direct
// terminal output, the way RPC-consuming CLI tooling lists cluster state.
func FormatMembers(members []Member) string {
	sorted := make([]Member, len(members))
	copy(sorted, members)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })

	lines := []string{"Name | Address | Status | Tags"}
	for _, m := range sorted {
		tagPairs := make([]string, 0, len(m.Tags))
		for k, v := range m.Tags {
			tagPairs = append(tagPairs, fmt.Sprintf("%s=%s", k, v))
		}
		sort.Strings(tagPairs)

		lines = append(lines, fmt.Sprintf("%s | %s:%d | %s | %s",
			m.Name, m.Addr, m.Port, m.Status, strings.Join(tagPairs, ",")))
	}
	out, _ := columnize.SimpleFormat(lines)
	return out
}
