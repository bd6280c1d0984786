/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	log "github.com/sirupsen/logrus"

	"github.com/facebookincubator/tftpd/internal/clock"
	"github.com/facebookincubator/tftpd/internal/config"
	"github.com/facebookincubator/tftpd/internal/dispatcher"
	"github.com/facebookincubator/tftpd/internal/eventsink"
	"github.com/facebookincubator/tftpd/internal/stats"
	"github.com/facebookincubator/tftpd/internal/vfs"
)

func main() {
	c := &config.Config{
		StaticConfig: config.StaticConfig{
			ListenPort:     69,
			RootDir:        "/var/tftp",
			PidFile:        "/var/run/tftpd.pid",
			LogLevel:       "warning",
			MonitoringPort: 8888,
		},
		DynamicConfig: config.Default(),
	}

	var configFile string
	flag.IntVar(&c.ListenPort, "port", c.ListenPort, "UDP port to listen on")
	flag.StringVar(&c.RootDir, "dir", c.RootDir, "Root directory served over TFTP")
	flag.StringVar(&c.PidFile, "pidfile", c.PidFile, "Pid file location")
	flag.StringVar(&c.LogLevel, "loglevel", c.LogLevel, "Log level. Can be: debug, info, warning, error")
	flag.IntVar(&c.MonitoringPort, "monitoringport", c.MonitoringPort, "Port to run the stats server on")
	flag.StringVar(&configFile, "config", "", "Path to a config file with dynamic settings")
	flag.Parse()

	switch c.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warning":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.Fatalf("unrecognized log level: %v", c.LogLevel)
	}

	if configFile != "" {
		dc, err := config.ReadDynamicConfig(configFile)
		if err != nil {
			log.Fatal(err)
		}
		c.DynamicConfig = *dc
	}

	if err := c.CreatePidFile(); err != nil {
		log.Fatalf("writing pid file: %v", err)
	}
	defer func() {
		if err := c.DeletePidFile(); err != nil {
			log.Warningf("removing pid file: %v", err)
		}
	}()

	collector := stats.New()
	go collector.Start(c.MonitoringPort)

	sink := eventsink.NewChannel(1024)
	go collector.Consume(sink.Events())

	d := dispatcher.New(c.DynamicConfig, c.RootDir, vfs.OS{}, sink, collector.Retransmit, clock.Real{})

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: c.ListenPort})
	if err != nil {
		log.Fatalf("binding listen socket: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.Warningf("sd_notify failed: %v", err)
	}

	log.Infof("tftpd listening on :%d, serving %s", c.ListenPort, c.RootDir)
	if err := d.Serve(ctx, conn); err != nil {
		log.Fatalf("server stopped: %v", err)
	}
}
