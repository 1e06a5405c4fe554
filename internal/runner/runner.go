// Package runner holds the fixed table of supported languages and the
// command each one is executed with.
//
// The table is built once at start-up and never mutated, so a Registry is
// safe for concurrent use without locking.
package runner

import (
	"fmt"
	"strings"
)

// Language identifies a supported toolchain.
type Language string

const (
	JavaScript Language = "javascript"
	TypeScript Language = "typescript"
	Python     Language = "python"
	Go         Language = "go"
	Rust       Language = "rust"
	PHP        Language = "php"
	Ruby       Language = "ruby"
	Bash       Language = "bash"
)

// Default is used when a request does not name a language.
const Default = JavaScript

// SourceBaseName is the file name (without extension) user code is written to.
const SourceBaseName = "main"

// languages is every Language in registration order.
var languages = [...]Language{JavaScript, TypeScript, Python, Go, Rust, PHP, Ruby, Bash}

// Languages returns every known language in registration order.
func Languages() []Language {
	out := make([]Language, len(languages))
	copy(out, languages[:])
	return out
}

// Runner describes how source code in one language is executed.
type Runner struct {
	Language     Language
	Extension    string
	NeedsCompile bool

	// toolchain is the interpreter or compiler argv prefix (e.g. ["npx", "tsx"]).
	toolchain []string
}

// SourceFile returns the file name user code is written to, e.g. "main.py".
func (r Runner) SourceFile() string {
	return SourceBaseName + r.Extension
}

// Toolchain returns a copy of the interpreter or compiler argv prefix.
func (r Runner) Toolchain() []string {
	return append([]string(nil), r.toolchain...)
}

// Command returns the argv that executes sourcePath. Paths are always passed
// as discrete arguments; the compile-then-run shell script for compiled
// languages reads them as positional parameters.
func (r Runner) Command(sourcePath, dir string) []string {
	if !r.NeedsCompile {
		argv := make([]string, 0, len(r.toolchain)+1)
		argv = append(argv, r.toolchain...)
		return append(argv, sourcePath)
	}

	// sh -c '<script>' _ <binary> <compiler...> <source>
	binary := strings.TrimSuffix(dir, "/") + "/" + SourceBaseName
	argv := make([]string, 0, len(r.toolchain)+6)
	argv = append(argv, "sh", "-c", compileThenRun, "_", binary)
	argv = append(argv, r.toolchain...)
	return append(argv, sourcePath)
}

// compileThenRun compiles "$@" into the binary named by $1 and runs it only
// when compilation succeeded.
const compileThenRun = `out="$1"; shift; "$@" -o "$out" && exec "$out"`

// builtin returns the default runner for lang. It panics on an unknown
// language so a missing case is caught by the registry tests.
func builtin(lang Language) Runner {
	switch lang {
	case JavaScript:
		return Runner{Language: lang, Extension: ".js", toolchain: []string{"node"}}
	case TypeScript:
		return Runner{Language: lang, Extension: ".ts", toolchain: []string{"npx", "tsx"}}
	case Python:
		return Runner{Language: lang, Extension: ".py", toolchain: []string{"python3"}}
	case Go:
		return Runner{Language: lang, Extension: ".go", toolchain: []string{"go", "run"}}
	case Rust:
		return Runner{Language: lang, Extension: ".rs", NeedsCompile: true, toolchain: []string{"rustc"}}
	case PHP:
		return Runner{Language: lang, Extension: ".php", toolchain: []string{"php"}}
	case Ruby:
		return Runner{Language: lang, Extension: ".rb", toolchain: []string{"ruby"}}
	case Bash:
		return Runner{Language: lang, Extension: ".sh", toolchain: []string{"bash"}}
	}
	panic(fmt.Sprintf("runner: no builtin runner for language %q", lang))
}
