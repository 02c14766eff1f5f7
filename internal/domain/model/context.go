package model

import "fmt"

// SystemContext identifies the actor, job and tenant on whose behalf
// identity operations run.
type SystemContext struct {
	User   string `json:"user_id"`
	JobID  string `json:"job_id"`
	Tenant string `json:"tenant"`
}

// ParseSystemContext accepts both the object form and the loose positional
// form ["user", "job_id", "tenant"] that appears when a context round-trips
// through job argument serialization.
func ParseSystemContext(raw any) (SystemContext, error) {
	switch v := raw.(type) {
	case map[string]any:
		var ctx SystemContext
		ctx.User, _ = v["user_id"].(string)
		ctx.JobID, _ = v["job_id"].(string)
		ctx.Tenant, _ = v["tenant"].(string)
		if ctx.User == "" {
			return SystemContext{}, fmt.Errorf("system context missing user_id")
		}
		return ctx, nil
	case []any:
		if len(v) == 0 {
			return SystemContext{}, fmt.Errorf("system context list is empty")
		}
		var ctx SystemContext
		ctx.User, _ = v[0].(string)
		if len(v) > 1 {
			ctx.JobID, _ = v[1].(string)
		}
		if len(v) > 2 {
			ctx.Tenant, _ = v[2].(string)
		}
		if ctx.User == "" {
			return SystemContext{}, fmt.Errorf("system context missing user")
		}
		return ctx, nil
	case SystemContext:
		return v, nil
	default:
		return SystemContext{}, fmt.Errorf("unsupported system context shape %T", raw)
	}
}
