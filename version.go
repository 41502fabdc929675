package pgstream

import (
	"strconv"
	"strings"
)

// ServerVersion returns the raw `server_version` ParameterStatus value
// announced during startup, and its parsed integer form: `server_version_num`
// is authoritative when the server announces it as a startup parameter (some
// servers and proxies do); otherwise this parses `server_version` itself as
// `M.m[.p]`, mapping to `M*10000 + m*100 + p` for major < 10 and `M*10000 + m`
// for major >= 10.
func (c *Conn) ServerVersion() (raw string, num int) {
	c.state.mu.RLock()
	numStr := c.state.params["server_version_num"]
	raw = c.state.params["server_version"]
	c.state.mu.RUnlock()

	if numStr != "" {
		if n, err := strconv.Atoi(numStr); err == nil {
			return raw, n
		}
	}

	return raw, parseServerVersion(raw)
}

// parseServerVersion is the fallback parse of `server_version` when
// `server_version_num` is unavailable.
func parseServerVersion(version string) int {
	if version == "" {
		return 0
	}

	// Strip any trailing non-numeric suffix, e.g. "14.3 (Debian 14.3-1)" or
	// "9.6.24beta1".
	end := 0
	for end < len(version) && (version[end] == '.' || (version[end] >= '0' && version[end] <= '9')) {
		end++
	}
	version = version[:end]

	parts := strings.SplitN(version, ".", 3)
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return 0
		}
		nums[i] = n
	}

	switch {
	case len(nums) == 0:
		return 0
	case nums[0] >= 10:
		if len(nums) < 2 {
			return nums[0] * 10000
		}
		return nums[0]*10000 + nums[1]
	case len(nums) >= 3:
		return nums[0]*10000 + nums[1]*100 + nums[2]
	case len(nums) == 2:
		return nums[0]*10000 + nums[1]*100
	default:
		return nums[0] * 10000
	}
}
