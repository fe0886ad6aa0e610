// Command fakedevice plays an HQ or SK tracker against a running gateway:
// it logs in, reports positions and answers relay commands.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/phuslu/log"
)

var addr = flag.String("addr", "localhost:6000", "gateway address")
var vendor = flag.String("vendor", "hq", "hq or sk")
var id = flag.String("id", "1234567890", "device id")
var every = flag.Duration("every", 10*time.Second, "report interval")
var split = flag.Bool("split", false, "write every report in two chunks")

func main() {
	flag.Parse()
	log.DefaultLogger = log.Logger{
		Level:  log.DebugLevel,
		Writer: &log.ConsoleWriter{ColorOutput: true},
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	dev := newDevice(*vendor, *id)
	if dev == nil {
		log.Fatal().Str("vendor", *vendor).Msg("unknown vendor")
	}
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", *addr)
	if err != nil {
		log.Fatal().Err(err).Msg("dial")
	}
	defer c.Close()
	go func() {
		<-ctx.Done()
		c.Close()
	}()

	send := func(msg string) {
		log.Info().Str("out", msg).Msg("")
		var err error
		if *split && len(msg) > 4 {
			h := len(msg) / 2
			if _, err = c.Write([]byte(msg[:h])); err == nil {
				time.Sleep(50 * time.Millisecond)
				_, err = c.Write([]byte(msg[h:]))
			}
		} else {
			_, err = c.Write([]byte(msg))
		}
		if err != nil {
			log.Error().Err(err).Msg("write")
			stop()
		}
	}

	cmds := make(chan string, 4)
	go func() {
		r := bufio.NewReader(c)
		for {
			s, err := r.ReadString('#')
			if err != nil {
				log.Info().Err(err).Msg("connection closed")
				stop()
				return
			}
			log.Info().Str("in", s).Msg("command received")
			cmds <- s
		}
	}()

	send(dev.login())
	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for n := 0; ; n++ {
		send(dev.report(n))
		select {
		case <-ctx.Done():
			return
		case cmd := <-cmds:
			if r := dev.reply(cmd); r != "" {
				send(r)
			}
		case <-ticker.C:
		}
	}
}

type device interface {
	login() string
	report(n int) string
	reply(cmd string) string
}

func newDevice(vendor, id string) device {
	switch strings.ToLower(vendor) {
	case "hq":
		return hq{id}
	case "sk":
		return sk{id}
	}
	return nil
}

// position walks north a little on every report.
func position(n int) (lat string, lon string) {
	return fmt.Sprintf("%09.4f", 3830.0+float64(n)*0.01), "00900.0000"
}

type hq struct{ id string }

func (d hq) login() string {
	return fmt.Sprintf("*HQ,%s,V0,89860012345678901234,FAKE1.0#", d.id)
}

func (d hq) report(n int) string {
	now := time.Now().UTC()
	lat, lon := position(n)
	if n%5 == 4 {
		return fmt.Sprintf("*HQ,%s,HTBT,0190,25#", d.id)
	}
	return fmt.Sprintf("*HQ,%s,V1,%s,A,%s,N,%s,E,12.5,90,%s,FFFFFBFF#", d.id, now.Format("150405"), lat, lon, now.Format("020106"))
}

func (d hq) reply(cmd string) string {
	f := strings.Split(strings.Trim(cmd, "*#"), ",")
	if len(f) < 3 {
		return ""
	}
	now := time.Now().UTC()
	return fmt.Sprintf("*HQ,%s,V4,%s,OK,%s,%s#", d.id, f[2], now.Format("150405"), now.Format("020106"))
}

type sk struct{ id string }

func (d sk) login() string {
	return fmt.Sprintf("*SK,%s,LG,FAKE1.0,89860012345678901234#", d.id)
}

func (d sk) report(n int) string {
	now := time.Now().UTC()
	lat, lon := position(n)
	if n%5 == 4 {
		return fmt.Sprintf("*SK,%s,HB,00000000,0190,18#", d.id)
	}
	return fmt.Sprintf("*SK,%s,D1,%s,A,%s,N,%s,E,6,90,%s,00000000,0190#", d.id, now.Format("150405"), lat, lon, now.Format("020106"))
}

func (d sk) reply(cmd string) string {
	f := strings.Split(strings.Trim(cmd, "*#"), ",")
	if len(f) < 3 {
		return ""
	}
	return fmt.Sprintf("*SK,%s,RP,%s,0,%s#", d.id, f[2], time.Now().UTC().Format("020106150405"))
}
