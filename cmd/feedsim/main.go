// Command feedsim broadcasts simulated NSE and BSE market data on the
// multicast groups feedd listens on, in each segment's wire format. It is
// used to exercise feedd without an exchange connection.
//
// Groups, ports and the contract master path come from the feedd
// configuration. Simulator settings (env vars):
//
//	SIM_INTERVAL     tick interval (default 100ms)
//	SIM_INSTRUMENTS  instruments per segment when seeding (default 50)
//	SIM_SEED         seed the contract master when a segment is empty (default true)
//	SIM_COMPRESS     LZ4-compress NSE records (default true)
//	SIM_PER_PACKET   records per datagram (default 16)
//	SIM_TTL          multicast TTL (default 1)
package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"

	"feedsync/config"
	"feedsync/internal/logger"
	"feedsync/internal/model"
	sqlitestore "feedsync/internal/store/sqlite"
)

type simConfig struct {
	Interval    time.Duration
	Instruments int
	Seed        bool
	Compress    bool
	PerPacket   int
	TTL         int
}

func loadSimConfig() simConfig {
	v := viper.New()
	v.SetEnvPrefix("SIM")
	v.AutomaticEnv()
	v.SetDefault("interval", 100*time.Millisecond)
	v.SetDefault("instruments", 50)
	v.SetDefault("seed", true)
	v.SetDefault("compress", true)
	v.SetDefault("per_packet", 16)
	v.SetDefault("ttl", 1)
	return simConfig{
		Interval:    v.GetDuration("interval"),
		Instruments: v.GetInt("instruments"),
		Seed:        v.GetBool("seed"),
		Compress:    v.GetBool("compress"),
		PerPacket:   v.GetInt("per_packet"),
		TTL:         v.GetInt("ttl"),
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("[feedsim] %v", err)
	}
	lg := logger.Init("feedsim", cfg.App.LogLevel)
	defer lg.Sync()

	if err := run(cfg, loadSimConfig(), lg); err != nil {
		lg.Fatal("feedsim stopped", zap.Error(err))
	}
}

func run(cfg *config.Config, sc simConfig, lg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	segs := cfg.Feed.Enabled()
	if len(segs) == 0 {
		return fmt.Errorf("no feed segment enabled")
	}

	db, err := sqlitestore.Open(cfg.SQLite.Path, lg.Named("sqlite"))
	if err != nil {
		return err
	}
	defer db.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var wg sync.WaitGroup
	for _, seg := range segs {
		rows, err := masterRows(ctx, db, seg, sc, lg)
		if err != nil {
			return err
		}
		sim, err := newSegmentSim(seg, rows, sc.Compress, sc.PerPacket, rand.New(rand.NewSource(rng.Int63())))
		if err != nil {
			return err
		}
		conn, err := dialGroup(cfg.Feed.Segment(seg), sc.TTL)
		if err != nil {
			return fmt.Errorf("%s: %w", seg, err)
		}
		defer conn.Close()

		wg.Add(1)
		go func(seg model.Segment) {
			defer wg.Done()
			broadcast(ctx, sim, conn, sc.Interval, lg.With(zap.Stringer("segment", seg)))
		}(seg)
	}

	lg.Info("feedsim started", zap.Int("segments", len(segs)), zap.Duration("interval", sc.Interval))
	<-ctx.Done()
	wg.Wait()
	lg.Info("feedsim stopped")
	return nil
}

// masterRows returns seg's contract master, seeding a synthetic one when
// the store has none and seeding is enabled.
func masterRows(ctx context.Context, db *sqlitestore.Store, seg model.Segment, sc simConfig, lg *zap.Logger) ([]model.Instrument, error) {
	rows, err := db.LoadSegment(ctx, seg)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows, nil
	}
	if !sc.Seed {
		return nil, fmt.Errorf("%s: contract master is empty", seg)
	}
	rows = seedRows(seg, sc.Instruments)
	if err := db.ReplaceSegment(ctx, seg, rows); err != nil {
		return nil, err
	}
	lg.Info("seeded contract master", zap.Stringer("segment", seg), zap.Int("rows", len(rows)))
	return rows, nil
}

// dialGroup connects a UDP socket to the segment's multicast group.
func dialGroup(sc config.SegmentConfig, ttl int) (*net.UDPConn, error) {
	raddr, err := net.ResolveUDPAddr("udp4", sc.Addr())
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", sc.Addr(), err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", sc.Addr(), err)
	}
	if raddr.IP.IsMulticast() {
		pc := ipv4.NewPacketConn(conn)
		if err := pc.SetMulticastTTL(ttl); err != nil {
			conn.Close()
			return nil, fmt.Errorf("multicast ttl: %w", err)
		}
		if err := pc.SetMulticastLoopback(true); err != nil {
			conn.Close()
			return nil, fmt.Errorf("multicast loopback: %w", err)
		}
		if sc.Interface != "" {
			ifi, err := net.InterfaceByName(sc.Interface)
			if err != nil {
				conn.Close()
				return nil, fmt.Errorf("interface %s: %w", sc.Interface, err)
			}
			if err := pc.SetMulticastInterface(ifi); err != nil {
				conn.Close()
				return nil, fmt.Errorf("multicast interface: %w", err)
			}
		}
	}
	return conn, nil
}

func broadcast(ctx context.Context, sim *segmentSim, conn *net.UDPConn, interval time.Duration, lg *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var sent, failed int64
	for {
		select {
		case <-ctx.Done():
			lg.Info("broadcast stopped", zap.Int64("packets", sent), zap.Int64("failed", failed))
			return
		case now := <-ticker.C:
			pkts, err := sim.step(now)
			if err != nil {
				lg.Error("encode failed", zap.Error(err))
				continue
			}
			for _, p := range pkts {
				if _, err := conn.Write(p); err != nil {
					failed++
					if failed%1000 == 1 {
						lg.Warn("send failed", zap.Error(err), zap.Int64("failed", failed))
					}
					continue
				}
				sent++
			}
		}
	}
}
