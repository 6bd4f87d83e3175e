package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/powerpuffpenguin/muxf/config"
	"github.com/powerpuffpenguin/muxf/forwarding"
	ver "github.com/powerpuffpenguin/muxf/version"
)

func main() {
	var (
		conf                string
		test, version, help bool
	)
	flag.StringVar(&conf, "conf", "", "Load config file path")
	flag.BoolVar(&test, "test", false, "Print the evaluated config and exit")
	flag.BoolVar(&version, "version", false, "Show version")
	flag.BoolVar(&help, "help", false, "Show help")
	flag.Parse()
	if version {
		fmt.Printf(`muxf-%s
%s/%s, %s, %s, %s
`,
			ver.Version,
			runtime.GOOS, runtime.GOARCH,
			runtime.Version(),
			ver.Date, ver.Commit,
		)
		return
	} else if help {
		flag.PrintDefaults()
		return
	} else if conf == `` {
		flag.PrintDefaults()
		os.Exit(1)
	}

	log.SetFlags(log.Lshortfile | log.LstdFlags)
	var c config.Config
	if test {
		e := c.Print(conf)
		if e != nil {
			log.Fatalln(e)
		}
		return
	}
	e := c.Load(conf)
	if e != nil {
		log.Fatalln(e)
	}
	app, e := forwarding.NewApplication(&c)
	if e != nil {
		log.Fatalln(e)
		return
	}
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		app.Close()
	}()
	app.Serve()
}
