package config

import "os"

// ExpandEnv expands environment variables in YAML content using the
// standard library's shell-style expansion ("${VAR}" and "$VAR"). Missing
// variables expand to the empty string; validation is expected to catch any
// required field left empty by that.
func ExpandEnv(data []byte) []byte {
	return []byte(os.ExpandEnv(string(data)))
}
