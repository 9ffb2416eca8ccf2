package cel

import (
	"path/filepath"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/ext"

	"github.com/arrgate/arrgate/internal/domain/rules"
	"github.com/arrgate/arrgate/internal/domain/upstream"
)

// newAuditEnvironment declares the variable set rule conditions see:
//
//	config  — the upstream's normalized configuration snapshot (map)
//	version — the upstream's reported server version ("4.3.2")
//	kind    — the audited upstream kind ("download", "tv_manager", ...)
//
// plus glob matching for path-valued settings and numeric version
// comparison.
func newAuditEnvironment() (*cel.Env, error) {
	return cel.NewEnv(
		ext.Strings(),
		ext.Sets(),

		cel.Variable("config", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("version", cel.StringType),
		cel.Variable("kind", cel.StringType),

		// glob: filepath-style pattern match.
		// Usage: glob("/mnt/*", string(config.recycle_bin))
		cel.Function("glob",
			cel.Overload("glob_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(pattern, name ref.Val) ref.Val {
					p := pattern.Value().(string)
					n := name.Value().(string)
					matched, _ := filepath.Match(p, n)
					return types.Bool(matched)
				}),
			),
		),

		// version_at_least: dotted-version comparison with numeric
		// segments. A plain string compare would put "10.0.0" before
		// "3.0.0". Unparseable versions compare as false so rules stay
		// conservative against odd upstream builds.
		// Usage: version_at_least(version, "3.0.0")
		cel.Function("version_at_least",
			cel.Overload("version_at_least_string_string",
				[]*cel.Type{cel.StringType, cel.StringType},
				cel.BoolType,
				cel.BinaryBinding(func(have, min ref.Val) ref.Val {
					return types.Bool(versionAtLeast(have.Value().(string), min.Value().(string)))
				}),
			),
		),
	)
}

func versionAtLeast(have, min string) bool {
	h, err := upstream.ParseVersion(have)
	if err != nil {
		return false
	}
	m, err := upstream.ParseVersion(min)
	if err != nil {
		return false
	}
	return h.AtLeast(m)
}

// activation maps one audit input onto the environment variables. CEL
// rejects nil maps, so an absent snapshot becomes an empty one.
func activation(in rules.Input) map[string]any {
	cfg := in.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	return map[string]any{
		"config":  cfg,
		"version": in.Version,
		"kind":    string(in.Kind),
	}
}
