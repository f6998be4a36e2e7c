// Command loopbackdemo drives two netconn.Connections across a
// transport.Simulated link with configurable loss and jitter, sending a
// burst of messages end to end and reporting how many arrived
// (SPEC_FULL.md §10.4). It exists to exercise the reliable/unreliable
// channels interactively, the way an integration test would, but with a
// human watching.
package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/anon55555/reliable/channel"
	"github.com/anon55555/reliable/config"
	"github.com/anon55555/reliable/internal/testfactory"
	"github.com/anon55555/reliable/message"
	"github.com/anon55555/reliable/netconn"
	"github.com/anon55555/reliable/stats"
	"github.com/anon55555/reliable/transport"
)

var demoChannelKinds = []channel.Kind{channel.ReliableOrdered, channel.UnreliableUnordered}

var (
	configFile string
	seed       int64
	loss       float64
	jitterMS   int
	burst      int
	ticks      int
	tickMS     int
	statsAddr  string
)

var rootCmd = &cobra.Command{
	Use:   "loopbackdemo",
	Short: "Send a burst of messages across a simulated lossy link",
	RunE:  run,
}

func init() {
	rootCmd.Flags().StringVarP(&configFile, "config", "c", "", "TOML config file (defaults built in if empty)")
	rootCmd.Flags().Int64Var(&seed, "seed", 1, "PRNG seed for the simulated link")
	rootCmd.Flags().Float64Var(&loss, "loss", 0.1, "packet loss probability, 0..1")
	rootCmd.Flags().IntVar(&jitterMS, "jitter-ms", 10, "maximum delivery jitter in milliseconds")
	rootCmd.Flags().IntVar(&burst, "burst", 50, "number of messages to send on channel 0")
	rootCmd.Flags().IntVar(&ticks, "ticks", 500, "number of ticks to run")
	rootCmd.Flags().IntVar(&tickMS, "tick-ms", 10, "tick interval in milliseconds")
	rootCmd.Flags().StringVar(&statsAddr, "stats-addr", "", "if set, serve GET /stats on this address")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func run(_ *cobra.Command, _ []string) error {
	sessionID := uuid.New()
	demoLog := logrus.WithField("session", sessionID.String())

	netCfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loopbackdemo: %w", err)
	}

	epA, epB := transport.NewSimulatedLoopbackPair(loss, time.Duration(jitterMS)*time.Millisecond, seed)

	connA, err := netconn.NewConnection(netCfg, testfactory.Factory{}, epA, demoLog)
	if err != nil {
		return fmt.Errorf("loopbackdemo: connection A: %w", err)
	}
	connB, err := netconn.NewConnection(netCfg, testfactory.Factory{}, epB, demoLog)
	if err != nil {
		return fmt.Errorf("loopbackdemo: connection B: %w", err)
	}

	if statsAddr != "" {
		go serveStats(demoLog, connA)
	}

	for i := 0; i < burst; i++ {
		connA.Channel(0).SendMessage(newDemoMessage(fmt.Sprintf("msg-%d", i)))
	}

	now := time.Now()
	buf := make([]byte, netCfg.MaxPacketSize)
	received := 0
	for i := 0; i < ticks; i++ {
		tick(connA, epA, now, buf)
		tick(connB, epB, now, buf)
		for {
			m := connB.Channel(0).ReceiveMessage()
			if m == nil {
				break
			}
			received++
			m.Release()
		}
		now = now.Add(time.Duration(tickMS) * time.Millisecond)
	}

	demoLog.WithFields(logrus.Fields{
		"sent":     burst,
		"received": received,
		"errorA":   connA.GetErrorLevel(),
		"errorB":   connB.GetErrorLevel(),
	}).Info("loopbackdemo: run complete")

	_ = connA.Close()
	_ = connB.Close()

	if received != burst {
		os.Exit(1)
	}
	return nil
}

func newDemoMessage(data string) *message.Message {
	m := message.New(testfactory.MaxType)
	m.Payload = &testfactory.Payload{Data: []byte(data)}
	return m
}

func tick(conn *netconn.Connection, ep transport.Endpoint, now time.Time, buf []byte) {
	seq := ep.NextPacketSequence()
	if out, ok := conn.GeneratePacket(seq, buf, now); ok {
		_ = ep.SendPacket(out)
	}
	for {
		recvSeq, body, ok := ep.Recv()
		if !ok {
			break
		}
		conn.ProcessPacket(recvSeq, body)
	}
	conn.ProcessAcks(ep.Acks())
	ep.ClearAcks()
	conn.AdvanceTime(now)
}

func loadConfig() (netconn.Config, error) {
	if configFile == "" {
		return netconn.DefaultConfig(demoChannelKinds...), nil
	}
	return config.Load(configFile)
}

func serveStats(log logrus.FieldLogger, conn *netconn.Connection) {
	router := stats.NewRouter(conn, demoChannelKinds)
	log.WithField("addr", statsAddr).Info("loopbackdemo: serving stats")
	if err := http.ListenAndServe(statsAddr, router); err != nil {
		log.WithError(err).Error("loopbackdemo: stats server stopped")
	}
}
