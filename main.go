package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io/ioutil"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	kafka "github.com/segmentio/kafka-go"

	"github.com/slacklite/relay/auth"
	"github.com/slacklite/relay/bridge"
	"github.com/slacklite/relay/expire"
	"github.com/slacklite/relay/roster"
	"github.com/slacklite/relay/route"
	"github.com/slacklite/relay/store"
	"github.com/slacklite/relay/ws"
)

const (
	kafkaGroupId      = "slacklite-relay"
	kafkaTopic        = "slacklite-ops"
	opPayloadMaxBytes = 8192
	kafkaReadTimeout  = 10 * time.Second
)

var (
	flagAddr     = flag.String("addr", "127.0.0.1:8000", "server address, ip:port")
	flagPidFile  = flag.String("pid-file", "relay.pid", "pid file")
	flagMysqlDsn = flag.String("mysql-dsn", "root:@tcp(127.0.0.1:3306)/slacklite?parseTime=true&charset=utf8mb4&collation=utf8mb4_unicode_ci", "mysql server dsn")

	flagKafkaBrokers = flag.String("kafka-brokers", "127.0.0.1:9092", "comma separated kafka brokers")

	flagSessionQuota = flag.Uint("session-quota", 8, "per user live connection quota, allowed value in [1, 32]")
	flagHistoryLimit = flag.Uint("history-limit", 50, "history page size limit")

	flagWarnFraction   = flag.Float64("warn-fraction", 0.4, "fraction of a message TTL left when the expiry warning fires, in (0, 1)")
	flagTTLResetOnEdit = flag.Bool("ttl-reset-on-edit", false, "editing an ephemeral message restarts its TTL clock")

	flagPprofDir       = flag.String("pprof-dir", "pprof", "dir to save pprof data files")
	flagDisableMetrics = flag.Bool("disable-metrics", false, "disable prometheus metrics")

	flagDemo = flag.Bool("demo", false, "run self contained with in-memory store and roster, without mysql and kafka")
)

func main() {
	flag.Parse()

	// NOTE: os.Exit() does not call defers.
	os.Exit(run())
}

func run() int {
	defer glog.Flush()

	if v := validateFlags(); v > 0 {
		return v
	}

	pid := os.Getpid()

	if err := savePid(*flagPidFile, pid); err != nil {
		return errorf("pid file: %v", err)
	}
	defer func() {
		_ = os.Remove(*flagPidFile)
	}()

	pprofDir := filepath.Join(*flagPprofDir, strconv.Itoa(pid))
	if err := os.MkdirAll(pprofDir, 0750); err != nil {
		return errorf("--pprof-dir: error create dir `%s`: %v", pprofDir, err)
	}
	defer func() {
		_ = os.RemoveAll(pprofDir)
	}()

	glog.Info("slacklite relay is starting")

	var msgStore store.IMessageStore
	var channelRoster roster.IRoster
	var db *sql.DB

	if *flagDemo {
		msgStore = store.NewMemoryStore()
		channelRoster = roster.NewMemoryRoster()
	} else {
		var err error
		db, err = sql.Open("mysql", *flagMysqlDsn)
		if err != nil {
			return errorf("sql.Open error, dsn: %s, err: %v", *flagMysqlDsn, err)
		}

		db.SetConnMaxLifetime(time.Minute * 3)
		db.SetMaxOpenConns(100)
		db.SetMaxIdleConns(1)

		msgStore = store.NewMessageStore(db)
		channelRoster = roster.NewMySQLRoster(db)
	}

	router := route.NewRouter(channelRoster)
	presence := ws.NewPresenceTracker(router.Publish)
	registry := ws.NewRegistry(presence)
	scheduler := expire.NewScheduler(msgStore, router.Publish, *flagWarnFraction)

	api := ws.NewChatApi(msgStore, channelRoster, router, scheduler, ws.Conf{
		HistoryLimit:   int32(*flagHistoryLimit),
		ResetTTLOnEdit: *flagTTLResetOnEdit,
	})

	hub := ws.NewHub(newAuthClient(), api, registry, int(*flagSessionQuota))

	mux := http.DefaultServeMux
	if !*flagDisableMetrics {
		mux.Handle("/metrics", promhttp.HandlerFor(
			prometheus.DefaultGatherer,
			promhttp.HandlerOpts{},
		))
	}
	mux.Handle("/ws", hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"status":"healthy","timestamp":%d}`, time.Now().Unix())
	})

	lis, err := net.Listen("tcp", *flagAddr)
	if err != nil {
		return errorf("listen %s error: %v", *flagAddr, err)
	}

	httpServer := &http.Server{Handler: mux}
	go func() {
		glog.Infof("http server is listening %v", *flagAddr)
		if err := httpServer.Serve(lis); errors.Is(err, http.ErrServerClosed) {
			glog.Infof("http server closed")
		} else if err != nil {
			glog.Errorf("error serve http mux server: %v", err)
			panic(err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routerDoneC := make(chan struct{})
	go router.Run(ctx, registry, routerDoneC)

	if err := scheduler.Start(ctx); err != nil {
		glog.Errorf("reload pending expiries err: %v", err)
	}

	var bridgeDoneC chan struct{}
	if !*flagDemo {
		kafkaReader := kafka.NewReader(kafka.ReaderConfig{
			Brokers: strings.Split(*flagKafkaBrokers, ","),
			GroupID: kafkaGroupId,
			Topic:   kafkaTopic,
			Dialer: &kafka.Dialer{
				Timeout:   kafkaReadTimeout,
				DualStack: true,
			},
		})

		b := bridge.NewBridge(api, channelRoster, kafkaReader, opPayloadMaxBytes)
		bridgeDoneC = make(chan struct{})
		go b.Run(ctx, bridgeDoneC)
	}

	glog.Infof("slacklite relay is serving")
	glog.Infof("`kill -USR1 %d` to dump goroutines; `kill -USR2 %d` to start/stop profiler; `CTRL+c` or `kill %d` to graceful stop", pid, pid, pid)

	var stopping bool

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1, syscall.SIGUSR2, syscall.SIGTERM, syscall.SIGINT)

	var prof *Profiler

	for sig := range sigCh {
		switch sig {
		case syscall.SIGUSR1:
			if prof != nil {
				prof.dumpGoroutines()
			}
		case syscall.SIGUSR2:
			if prof == nil {
				prof = StartProfiler(pprofDir)
			} else {
				prof.Stop()
				prof = nil
			}
		case syscall.SIGTERM, syscall.SIGINT:
			if stopping {
				glog.Infof("slacklite relay is already in stop")
				continue
			}
			stopping = true
			glog.Infof("received signal `%s`, stopping", sig.String())
			go func() {
				if prof != nil {
					prof.Stop()
				}
				cancel()

				httpServer.Shutdown(context.Background())
				hub.Shutdown()
				scheduler.Stop()

				<-routerDoneC
				close(routerDoneC)
				if bridgeDoneC != nil {
					<-bridgeDoneC
					close(bridgeDoneC)
				}

				if db != nil {
					_ = db.Close()
				}
				signal.Stop(sigCh)
				close(sigCh)
			}()
		}
	}

	glog.Info("slacklite relay exited")
	return 0
}

func newAuthClient() auth.Client {
	// TODO: hook into the production gateway auth API.
	return &auth.MockClient{}
}

func validateFlags() int {
	if *flagAddr == "" {
		return errorf("--addr is required")
	}
	if err := validateAddr(*flagAddr); err != nil {
		return errorf("--addr: %v", err)
	}
	if *flagPidFile == "" {
		return errorf("--pid-file is required")
	}
	if *flagPprofDir == "" {
		return errorf("--pprof-dir is required")
	}

	if *flagSessionQuota < 1 || *flagSessionQuota > 32 {
		return errorf("--session-quota MUST in range [1, 32]")
	}
	if *flagHistoryLimit < ws.MinHistoryLimit || *flagHistoryLimit > ws.MaxHistoryLimit {
		return errorf("invalid --history-limit, expect in range [%d, %d]", ws.MinHistoryLimit, ws.MaxHistoryLimit)
	}
	if *flagWarnFraction <= 0 || *flagWarnFraction >= 1 {
		return errorf("invalid --warn-fraction, expect in range (0, 1)")
	}

	if !*flagDemo {
		if *flagMysqlDsn == "" {
			return errorf("--mysql-dsn is required.")
		}
		if len(*flagKafkaBrokers) == 0 {
			return errorf("--kafka-brokers is required.")
		}
	}

	return 0
}

func validateAddr(s string) error {
	ips, _, err := net.SplitHostPort(s)
	if err != nil {
		return fmt.Errorf("error split host port from `%s`: %v", s, err)
	}
	ip := net.ParseIP(ips)
	if ip == nil {
		return fmt.Errorf("error parse IP from host `%s`", ips)
	}
	if !ip.IsLoopback() && !ip.IsPrivate() {
		return fmt.Errorf("`%s` is not loopback or private address", ips)
	}
	return nil
}

func errorf(fmt string, args ...interface{}) int {
	glog.Errorf(fmt, args...)
	return 1
}

func savePid(name string, pid int) error {
	if _, err := os.Stat(name); err == nil {
		// Ok, see, if we have a stale lockfile here
		content, err := ioutil.ReadFile(name)
		if err != nil {
			return err
		}
		if len(content) > 0 {
			oldPid, err := strconv.Atoi(string(content))
			if err != nil {
				return err
			}

			proc, err := os.FindProcess(oldPid)
			if err != nil {
				return err
			}
			defer proc.Release()

			if err := proc.Signal(syscall.Signal(0)); err == nil {
				return fmt.Errorf("pid file: exists with pid: %d, the process is running", oldPid)
			} else {
				glog.Infof("pid file exists with pid: %d, but is not running", oldPid)
			}
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("pid file: stat error: %v", err)
	}

	if err := ioutil.WriteFile(name, []byte(strconv.Itoa(pid)), 0600); err != nil {
		return fmt.Errorf("pid file: write error: %v", err)
	}
	glog.Infof("pid file: write pid done")
	return nil
}
