// Package script loads javascript files from disk and runs them on a VM.
package script // import "code.dopame.me/veonik/klaver/script"

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"code.dopame.me/veonik/klaver/vm"
)

type Script struct {
	Name string
	Body string
}

type Manager struct {
	rootDir string
}

// NewManager returns a Manager that loads scripts from rootDir.
func NewManager(rootDir string) *Manager {
	return &Manager{rootDir: rootDir}
}

func (m *Manager) RootDir() string {
	return m.rootDir
}

// RunAll runs every script in the root directory, waiting for each one to
// settle before starting the next.
func (m *Manager) RunAll(v *vm.VM) error {
	ss, err := m.LoadAll()
	if err != nil {
		return err
	}
	for _, s := range ss {
		if err := Run(v, s); err != nil {
			return err
		}
	}
	return nil
}

// Run evaluates s and waits for its result. A script that evaluates to a
// promise is done once the promise settles.
func Run(v *vm.VM, s Script) error {
	_, err := v.RunScript(s.Name, s.Body).Await()
	if err != nil {
		return errors.Wrapf(err, "script %s failed", s.Name)
	}
	return nil
}

// Load reads a single script from p.
func Load(p string) (Script, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return Script{}, err
	}
	return Script{Name: filepath.Base(p), Body: string(b)}, nil
}

// LoadAll reads every .js file in the root directory, sorted by name. A
// missing directory holds no scripts.
func (m *Manager) LoadAll() ([]Script, error) {
	fs, err := os.ReadDir(m.rootDir)
	if os.IsNotExist(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var res []Script
	for _, f := range fs {
		if f.IsDir() {
			continue
		}
		n := f.Name()
		if !strings.HasSuffix(n, ".js") {
			continue
		}
		s, err := Load(filepath.Join(m.rootDir, n))
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, nil
}
