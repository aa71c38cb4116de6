package vm

import (
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dop251/goja"
	"github.com/dop251/goja/ast"
	"github.com/dop251/goja/parser"
	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// A Registry resolves require() calls. Modules registered with SetModule
// take precedence over files under the base path.
type Registry struct {
	basePath string
	modules  map[string]*Module
	main     *Module
}

func NewRegistry(basePath string) *Registry {
	if filepath.Base(basePath) == "node_modules" {
		basePath = filepath.Dir(basePath)
	}
	r := &Registry{basePath: basePath, modules: make(map[string]*Module)}
	r.main = &Module{
		Name: ".",
		Path: r.basePath,
		root: &Module{
			Name:     "node_modules",
			Path:     filepath.Join(r.basePath, "node_modules"),
			registry: r,
		},
		registry: r,
	}
	return r
}

func (r *Registry) reset() {
	for _, m := range r.modules {
		// clear the evaluated values
		m.value = nil
	}
}

// Enable installs require on the runtime.
func (r *Registry) Enable(runtime *goja.Runtime) {
	r.reset()
	_ = runtime.Set("require", require(runtime, r.main, nil))
}

func (r *Registry) SetModule(module *Module) {
	module.registry = r
	r.modules[module.Name] = module
}

func require(runtime *goja.Runtime, parent *Module, stack []string) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) != 1 {
			panic(runtime.NewGoError(errors.New("require expects exactly one argument")))
		}
		v := call.Argument(0).String()
		if len(v) == 0 {
			panic(runtime.NewGoError(errors.New("argument cannot be blank")))
		}
		module, err := parent.Require(v)
		if err != nil {
			panic(runtime.NewGoError(err))
		}
		if module.value != nil {
			return module.value
		}
		if module.Native != nil {
			module.value = module.Native(runtime)
			return module.value
		}
		logrus.Debugln("vm: requiring", module.FullPath())
		etag := sha256.Sum256([]byte(module.Body))
		if module.etag != etag {
			p, err := parser.ParseFile(nil, module.FullPath(), "(function(require, module, exports) {\n"+module.Body+"\n})", parser.Mode(0))
			if err != nil {
				panic(runtime.NewGoError(err))
			}
			module.prog, err = compile(p)
			if err != nil {
				panic(runtime.NewGoError(err))
			}
			module.etag = etag
		}
		res, err := runtime.RunProgram(module.prog)
		if err != nil {
			panic(runtime.NewGoError(err))
		}
		cb, ok := goja.AssertFunction(res)
		if !ok {
			panic(runtime.NewTypeError("module %s did not compile to a function", module.FullPath()))
		}
		pk := module.FullPath()
		for _, m := range stack {
			if m == pk {
				panic(runtime.NewGoError(errors.Errorf("loop detected, %s is already being required", pk)))
			}
		}
		stack = append(stack, pk)
		defer func() {
			stack = stack[:len(stack)-1]
		}()
		req := runtime.ToValue(require(runtime, module, stack))
		mod := runtime.NewObject()
		if err := mod.Set("exports", runtime.NewObject()); err != nil {
			panic(runtime.NewGoError(err))
		}
		if _, err := cb(nil, req, mod, mod.Get("exports")); err != nil {
			panic(err)
		}
		module.value = mod.Get("exports")
		return module.value
	}
}

func compile(p *ast.Program) (*goja.Program, error) {
	return goja.CompileAST(p, true)
}

// A Module is a unit that may be required from javascript.
type Module struct {
	Name string
	Path string
	Main string
	// Body is javascript source evaluated with require, module and exports
	// in scope.
	Body string
	// Native, if set, produces the module's exports directly and Body is
	// ignored.
	Native func(r *goja.Runtime) goja.Value

	etag [sha256.Size]byte
	prog *goja.Program

	root     *Module
	registry *Registry

	value goja.Value
}

func (m *Module) Require(name string) (*Module, error) {
	if strings.HasPrefix(name, "./") || strings.HasPrefix(name, "../") {
		return m.requireRelative(name)
	}
	if m.root != nil {
		return m.root.Require(name)
	}
	if mo, ok := m.registry.modules[name]; ok {
		return mo, nil
	}
	p := filepath.Clean(filepath.Join(m.Path, name))
	mod := &Module{Name: name, Path: p, root: m, registry: m.registry}
	if !strings.HasSuffix(p, ".js") {
		b, err := os.ReadFile(filepath.Join(p, "package.json"))
		if err == nil {
			var pkg struct {
				Main string `json:"main"`
			}
			if err := json.Unmarshal(b, &pkg); err != nil {
				return nil, errors.Wrapf(err, "unable to read package.json for %s", name)
			}
			mod.Main = pkg.Main
			if mod.Main == "" {
				mod.Main = "index.js"
			}
		} else {
			if info, err := os.Stat(p); err == nil {
				if info.IsDir() {
					mod.Path = p
					mod.Main = "index.js"
				}
			} else if os.IsNotExist(err) {
				p = p + ".js"
				mod.Path = filepath.Dir(p)
				mod.Main = filepath.Base(p)
			}
		}
	} else {
		mod.Path = filepath.Dir(p)
		mod.Main = filepath.Base(p)
	}
	return mod.requireRelative("./" + mod.Main)
}

func (m *Module) requireRelative(name string) (*Module, error) {
	p := filepath.Clean(filepath.Join(m.Path, name))
	if !strings.HasSuffix(p, ".js") {
		if info, err := os.Stat(p); err == nil {
			if info.IsDir() {
				p = filepath.Join(p, "index.js")
			}
		} else if os.IsNotExist(err) {
			p = p + ".js"
		}
	}
	if mo, ok := m.registry.modules[p]; ok {
		return mo, nil
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return nil, errors.Wrapf(err, "unable to require %s", name)
	}
	mo := &Module{Name: name, Path: filepath.Dir(p), Main: filepath.Base(p), Body: string(b), root: m, registry: m.registry}
	m.registry.modules[p] = mo
	return mo, nil
}

func (m *Module) FullPath() string {
	return filepath.Clean(filepath.Join(m.Path, m.Name))
}

func (m *Module) String() string {
	return fmt.Sprintf("%s/%s (has body? %v has value? %v)", m.Path, m.Main, len(m.Body) > 0, m.value != nil)
}
