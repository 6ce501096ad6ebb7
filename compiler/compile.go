package compiler

import (
	"github.com/chazu/kestrel/pkg/bytecode"
)

// Compile parses source and generates the module code object. Nested
// function bodies are reachable through its constants.
func Compile(source, filename string) (code *bytecode.Code, err error) {
	mod, err := Parse(source, filename)
	if err != nil {
		return nil, err
	}
	return CompileModule(mod, filename)
}

// CompileModule generates code for an already parsed module.
func CompileModule(mod *Module, filename string) (code *bytecode.Code, err error) {
	table, err := BuildSymbolTable(mod, filename)
	if err != nil {
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			se, ok := r.(*SyntaxError)
			if !ok {
				panic(r)
			}
			code, err = nil, se
		}
	}()
	c := &codegen{filename: filename, table: table}
	return c.module(mod)
}

// MustCompile is like Compile but panics on error. It simplifies tests and
// embedded sources.
func MustCompile(source, filename string) *bytecode.Code {
	code, err := Compile(source, filename)
	if err != nil {
		panic(err)
	}
	return code
}
