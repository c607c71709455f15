package models

// Built-in fields present in every node's assembled output
const (
	OutputFieldStdout      = "stdout"
	OutputFieldStderr      = "stderr"
	OutputFieldExitCode    = "exitCode"
	OutputFieldSuccess     = "success"
	OutputFieldDuration    = "duration"
	OutputFieldOutputFiles = "outputFiles"
)

var builtinOutputFields = map[string]bool{
	OutputFieldStdout:      true,
	OutputFieldStderr:      true,
	OutputFieldExitCode:    true,
	OutputFieldSuccess:     true,
	OutputFieldDuration:    true,
	OutputFieldOutputFiles: true,
}

// IsBuiltinOutputField reports whether name is one of the fields assembled
// into every node output regardless of output mappings
func IsBuiltinOutputField(name string) bool {
	return builtinOutputFields[name]
}
