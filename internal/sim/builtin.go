package sim

import (
	"fmt"
	"sort"
)

// Built-in scripts, selectable as "builtin:<name>".
var builtins = map[string]string{
	"fall": `
version: 1
seed: 1
segments:
  - kind: rest
    duration: 1s
  - kind: impact
    peak_ms2: 30
  - kind: rest
    duration: 6s
`,
	"shake": `
version: 1
seed: 2
segments:
  - kind: rest
    duration: 500ms
  - kind: shake
    duration: 4s
  - kind: rest
    duration: 6s
`,
	"walk": `
version: 1
seed: 3
segments:
  - kind: walk
    duration: 10s
`,
	"pickup": `
version: 1
seed: 4
segments:
  - kind: rest
    duration: 1s
  - kind: impact
    peak_ms2: 28
  - kind: rest
    duration: 1500ms
  - kind: pickup
    duration: 1s
  - kind: rest
    duration: 6s
`,
}

// Builtin returns a validated built-in scenario.
func Builtin(name string) (*Scenario, error) {
	src, ok := builtins[name]
	if !ok {
		return nil, fmt.Errorf("unknown builtin scenario %q (have %v)", name, BuiltinNames())
	}
	script, err := ParseScenarioScriptYAML([]byte(src))
	if err != nil {
		return nil, err
	}
	return NewScenario(script)
}

func BuiltinNames() []string {
	names := make([]string, 0, len(builtins))
	for n := range builtins {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
