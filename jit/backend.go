package jit

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// Env looks up an environment variable.
type Env func(key string) (string, bool)

// backendLibrary returns the file name of the backend JIT library on goos.
func backendLibrary(goos string) string {
	switch goos {
	case "windows":
		return "clrjit.dll"
	case "darwin":
		return "libclrjit.dylib"
	}
	return "libclrjit.so"
}

func defaultRoots(goos string) []string {
	switch goos {
	case "windows":
		return []string{`C:\Program Files\dotnet`}
	case "darwin":
		return []string{"/usr/local/share/dotnet", "/opt/homebrew/share/dotnet"}
	}
	return []string{"/usr/share/dotnet", "/usr/lib/dotnet", "/usr/local/share/dotnet"}
}

// LocateBackend searches for the backend JIT library. DOTNET_LIB_PATH
// names the library or its directory; DOTNET_ROOT (an install root holding
// shared/) and the platform install locations are searched for the newest
// shared runtime. A nil env reads
// the process environment. The error is a *ConfigurationError naming every
// searched path.
func LocateBackend(env Env) (string, error) {
	if env == nil {
		env = os.LookupEnv
	}
	return locateBackend(env, runtime.GOOS, defaultRoots(runtime.GOOS))
}

func locateBackend(env Env, goos string, roots []string) (string, error) {
	lib := backendLibrary(goos)
	var searched []string
	try := func(path string) bool {
		searched = append(searched, path)
		st, err := os.Stat(path)
		return err == nil && !st.IsDir()
	}

	if p, ok := env("DOTNET_LIB_PATH"); ok && p != "" {
		if st, err := os.Stat(p); err == nil && st.IsDir() {
			p = filepath.Join(p, lib)
		}
		if try(p) {
			return p, nil
		}
	}
	if root, ok := env("DOTNET_ROOT"); ok && root != "" {
		roots = append([]string{root}, roots...)
	}
	for _, root := range roots {
		shared := filepath.Join(root, "shared", "Microsoft.NETCore.App")
		versions, _ := filepath.Glob(filepath.Join(shared, "*"))
		sort.Slice(versions, func(i, j int) bool {
			return versionLess(filepath.Base(versions[j]), filepath.Base(versions[i]))
		})
		if len(versions) == 0 {
			searched = append(searched, filepath.Join(shared, "*", lib))
			continue
		}
		for _, v := range versions {
			if p := filepath.Join(v, lib); try(p) {
				return p, nil
			}
		}
	}
	return "", &ConfigurationError{Library: lib, Searched: searched}
}

// versionLess orders dotted runtime versions numerically, falling back to
// string order for non-numeric parts.
func versionLess(a, b string) bool {
	as, bs := strings.Split(a, "."), strings.Split(b, ".")
	for i := 0; i < len(as) && i < len(bs); i++ {
		x, xerr := strconv.Atoi(as[i])
		y, yerr := strconv.Atoi(bs[i])
		if xerr != nil || yerr != nil {
			if as[i] != bs[i] {
				return as[i] < bs[i]
			}
			continue
		}
		if x != y {
			return x < y
		}
	}
	return len(as) < len(bs)
}
