package action

import (
	"fmt"

	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
)

// compiledGlobs caches compiled whitelist patterns. Policy working sets
// are small, but the same handful of patterns is consulted on every
// hooked write, so compilation must not be per-call.
var compiledGlobs, _ = lru.New[string, glob.Glob](256)

// compilePattern compiles a whitelist glob with '/' as the segment
// separator, so '*' stays within one path component and '**' crosses
// directories. A pattern that does not compile means the policy database
// is corrupt or tampered with; serving with it would be a security
// regression, so compilation failure is fatal.
func compilePattern(pattern string) glob.Glob {
	if g, ok := compiledGlobs.Get(pattern); ok {
		return g
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		panic(fmt.Sprintf("whitebeam: invalid glob pattern %q: %v", pattern, err))
	}
	compiledGlobs.Add(pattern, g)
	return g
}
