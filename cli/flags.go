package cli

import (
	"flag"
	"fmt"
	"strings"
	"time"
)

func PluginOptsFlag(fs *flag.FlagSet, name, usage string) {
	val := make(pluginOptsFlag)
	PluginOptsFlagVar(fs, &val, name, usage)
}

func PluginOptsFlagVar(fs *flag.FlagSet, val flag.Value, name, usage string) {
	fs.Var(val, name, usage)
}

type pluginOptsFlag map[string]interface{}

func (s pluginOptsFlag) String() string {
	var res []string
	for k, v := range s {
		res = append(res, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(res, " ")
}

func (s pluginOptsFlag) Set(str string) error {
	p := strings.SplitN(str, "=", 2)
	if len(p) == 1 {
		p = append(p, "true")
	}
	var v interface{}
	if p[1] == "true" {
		v = true
	} else if p[1] == "false" {
		v = false
	} else {
		v = p[1]
	}
	s[p[0]] = v
	return nil
}

func (s pluginOptsFlag) Get() interface{} {
	return map[string]interface{}(s)
}

type stringsFlag []string

func (s stringsFlag) String() string {
	return strings.Join(s, "")
}

func (s *stringsFlag) Set(str string) error {
	*s = append(*s, str)
	return nil
}

func (s stringsFlag) Get() interface{} {
	return []string(s)
}

// DefaultFlags defines every flag understood by a klaver host on fs.
func DefaultFlags(fs *flag.FlagSet) {
	CoreFlags(fs, "~/.klaver")
	FetchFlags(fs)
	VMFlags(fs)
	ScriptFlags(fs)
}

func CoreFlags(fs *flag.FlagSet, root string) {
	extraPlugins := stringsFlag{}
	fs.String("root", root, "path to folder containing application data")
	fs.String("log-level", "info", "controls verbosity of logging output")
	fs.Var(&extraPlugins, "plugin", "path to shared plugin .so file, multiple plugins may be given")
	PluginOptsFlag(fs, "plugin-option", "specify extra plugin configuration option, format: key=value")
}

// FetchFlags defines flags for the fetch plugin. Each maps onto the option
// of the same name in the fetch section of the config.
func FetchFlags(fs *flag.FlagSet) {
	fs.String("fetch-base-url", "", "resolve relative fetch urls against this url")
	fs.Duration("fetch-timeout", 0, "bound each request, including reading its body; 0 means no timeout")
	fs.Duration("fetch-dial-timeout", 30*time.Second, "bound establishing a connection, including the tls handshake")
	fs.Duration("fetch-idle-timeout", 90*time.Second, "close pooled connections unused for this long")
	fs.Int("fetch-max-conns-per-host", 0, "limit open connections per host; 0 means no limit")
	fs.Int("fetch-max-idle-per-host", 4, "limit idle connections kept per host")
	fs.String("fetch-user-agent", "", "specify the default User-Agent, - sends none")
	fs.String("fetch-proxy-url", "", "route connections through a proxy, e.g. socks5://localhost:1080")
	fs.Bool("fetch-insecure-skip-verify", false, "disable tls certificate verification")
	fs.Int("fetch-high-water-mark", 0, "buffer this many bytes of a response body before applying backpressure")
}

func VMFlags(fs *flag.FlagSet) {
	fs.String("vm-modules-path", "node_modules", "specify javascript modules path")
}

func ScriptFlags(fs *flag.FlagSet) {
	fs.String("script-scripts-path", "scripts", "specify path to scripts run when the vm starts")
}

// ExtraPlugins returns the values given for the -plugin flag.
func ExtraPlugins(fs *flag.FlagSet) []string {
	f := fs.Lookup("plugin")
	if f == nil {
		return nil
	}
	if g, ok := f.Value.(flag.Getter); ok {
		if ps, ok := g.Get().([]string); ok {
			return ps
		}
	}
	return nil
}
