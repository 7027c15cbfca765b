package traceway

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// Version is the library version reported in the user agent.
var Version = "dev"

// DefaultEnvironment describes the running process: the executable as the
// URL, a traceway user agent, the locale from LC_ALL/LANG and the local
// time zone.
func DefaultEnvironment() Environment {
	env := Environment{
		UserAgent: "traceway-go/" + Version + " (" + runtime.GOOS + "/" + runtime.GOARCH + "; " + runtime.Version() + ")",
		Language:  language(),
		Timezone:  time.Local.String(),
	}
	if exe, err := os.Executable(); err == nil {
		env.URL = "file://" + filepath.ToSlash(exe)
	}
	return env
}

// language turns a POSIX locale such as "en_US.UTF-8" into "en-US".
func language() string {
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v := os.Getenv(key)
		if v == "" || v == "C" || v == "POSIX" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		return strings.ReplaceAll(v, "_", "-")
	}
	return ""
}
