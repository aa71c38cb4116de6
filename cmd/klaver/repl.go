package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/davecgh/go-spew/spew"
	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"

	"code.dopame.me/veonik/klaver/cli"
	"code.dopame.me/veonik/klaver/vm"
	"code.dopame.me/veonik/klaver/webapi"
)

func Repl(manager *cli.Manager, dump bool) {
	hist := filepath.Join(manager.RootDir, ".history_repl")

	input := liner.NewLiner()
	input.SetCtrlCAborts(true)
	defer func() {
		if f, err := os.Create(hist); err == nil {
			if _, err = input.WriteHistory(f); err != nil {
				logrus.Warnln("failed to write history:", err)
			}
			_ = f.Close()
		}
		_ = input.Close()
	}()

	jsVM, err := vm.FromPlugins(manager.Plugins())
	if err != nil {
		logrus.Warnln("failed to get VM from plugin manager:", err)
		return
	}
	host, err := webapi.FromPlugins(manager.Plugins())
	if err != nil {
		logrus.Warnln("fetch is not available:", err)
	}

	if f, err := os.Open(hist); err == nil {
		if _, err = input.ReadHistory(f); err != nil {
			logrus.Warnln("failed to read history:", err)
		}
		_ = f.Close()
	}
	fmt.Println("Starting javascript REPL...")
	fmt.Println("Type 'exit' and hit enter to exit the REPL, '.stats' to show connection pool stats.")
	ctrlcs := 0
	for {
		str, err := input.Prompt("klaver> ")
		if err == liner.ErrPromptAborted && ctrlcs == 0 {
			ctrlcs += 1
			fmt.Println("Press CTRL+C again to close the REPL.")
			continue
		}
		if str == "exit" || err != nil {
			fmt.Println("Closing REPL...")
			break
		}
		ctrlcs = 0
		if str == "" {
			continue
		}
		input.AppendHistory(str)
		if str == ".stats" {
			if host != nil {
				spew.Dump(host.Client().Stats())
			}
			continue
		}
		v, err := jsVM.RunString(str).Await()
		if err != nil {
			logrus.Warnln("error:", err)
			continue
		}
		if dump && v != nil {
			spew.Dump(v.Export())
			continue
		}
		fmt.Println(v)
	}
}
