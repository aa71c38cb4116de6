package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	tilde "gopkg.in/mattes/go-expand-tilde.v1"

	"code.dopame.me/veonik/klaver/cli"
)

var rootDir string
var interactive bool
var dump bool

func init() {
	cli.DefaultFlags(flag.CommandLine)
	flag.BoolVar(&interactive, "interactive", false, "start interactive-read-evaluate-print (REPL) session")
	flag.BoolVar(&dump, "dump", false, "dump the exported Go value of each REPL result")

	flag.Usage = func() {
		fmt.Println("Usage: ", os.Args[0], "[options] [script.js...]")
		fmt.Println()
		fmt.Println("klaver runs javascript with a cancellable, streaming fetch.")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
	}
	flag.Parse()
	bp, err := tilde.Expand(flag.Lookup("root").Value.String())
	if err != nil {
		logrus.Fatalln(err)
	}
	err = os.MkdirAll(bp, os.FileMode(0755))
	if err != nil {
		logrus.Fatalln(err)
	}
	rootDir = bp
}

func main() {
	lvl, err := logrus.ParseLevel(flag.Lookup("log-level").Value.String())
	if err != nil {
		logrus.Fatalln("invalid log level:", err)
	}
	logrus.SetLevel(lvl)
	m, err := cli.NewManager(rootDir, flag.CommandLine, cli.ExtraPlugins(flag.CommandLine)...)
	if err != nil {
		logrus.Fatalln("error initializing klaver:", err)
	}
	if err := m.Start(); err != nil {
		logrus.Fatalln("error starting klaver:", err)
	}
	if flag.NArg() > 0 {
		if err := m.RunFiles(flag.Args()...); err != nil {
			logrus.Errorln(err)
		}
		if !interactive {
			m.Stop()
		}
	}
	if interactive {
		go func() {
			Repl(m, dump)
			m.Stop()
		}()
	} else if flag.NArg() == 0 {
		logrus.Infoln("no scripts given; running until interrupted")
	}
	if err = m.Loop(); err != nil {
		logrus.Fatalln("exiting main loop with error:", err)
	}
}
