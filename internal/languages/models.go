package languages

// RuntimeConfig describes how one language is launched inside the sandbox.
//
// RunCommand is an argv template, never a shell string: each element is passed
// to the runtime verbatim, except that the literal element "{entry}" is
// replaced with the entry filename when the launch spec is built.
type RuntimeConfig struct {
	Image      string
	SourceFile string
	RunCommand []string
}

type Language struct {
	ID     string
	Name   string
	Config RuntimeConfig
}
