package exec

import (
	"sort"
	"strconv"
	"strings"
)

func parseIntResource(resources map[string]any, key string) int {
	if len(resources) == 0 {
		return 0
	}
	v, ok := resources[key]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case float64:
		return int(t)
	case int:
		return t
	case int64:
		return int(t)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return parsed
	default:
		return 0
	}
}

func isReservedJobEnvKey(key string) bool {
	key = strings.ToUpper(strings.TrimSpace(key))
	switch key {
	case "FOUNDRY_RUN_ID", "FOUNDRY_WORKSPACE_ID", "FOUNDRY_TRACKING_URL", "FOUNDRY_RUN_TOKEN":
		return true
	}
	return strings.HasPrefix(key, "FOUNDRY_DATASET_")
}

// jobEnv flattens the spec's identity, bindings, and user env into a
// deterministic key order. Reserved keys always win over user values.
func jobEnv(spec JobSpec) [][2]string {
	out := [][2]string{
		{"FOUNDRY_RUN_ID", spec.RunID},
		{"FOUNDRY_WORKSPACE_ID", spec.WorkspaceID},
		{"FOUNDRY_TRACKING_URL", spec.TrackingURL},
		{"FOUNDRY_RUN_TOKEN", spec.RunToken},
	}

	if len(spec.DatasetBindings) > 0 {
		names := make([]string, 0, len(spec.DatasetBindings))
		for name := range spec.DatasetBindings {
			if strings.TrimSpace(name) == "" {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			key := "FOUNDRY_DATASET_" + strings.ToUpper(sanitizeEnvKey(name))
			out = append(out, [2]string{key, spec.DatasetBindings[name]})
		}
	}

	if len(spec.Env) > 0 {
		keys := make([]string, 0, len(spec.Env))
		for k := range spec.Env {
			key := strings.TrimSpace(k)
			if key == "" || isReservedJobEnvKey(key) {
				continue
			}
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			out = append(out, [2]string{key, spec.Env[key]})
		}
	}

	return out
}

func sanitizeEnvKey(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
