package application

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/meshgate/gatewaysession/internal/cluster"
	"github.com/meshgate/gatewaysession/internal/devicesession"
	"github.com/meshgate/gatewaysession/internal/directory"
	"github.com/meshgate/gatewaysession/internal/transport"
	"github.com/meshgate/gatewaysession/internal/util/sessionutil"
	zlog "github.com/meshgate/gatewaysession/pkg/log"
	zviper "github.com/meshgate/gatewaysession/pkg/util/viper"
)

// nodeMembershipRoot is the etcd prefix gatewayd nodes register
// themselves under, separate from the device operator directory.
const nodeMembershipRoot = "/meshgate/nodes"

// etcdConfig is the "etcd" section backing both node membership and the
// device operator directory.
type etcdConfig struct {
	Endpoints     []string `mapstructure:"endpoints"`
	DeviceRoot    string   `mapstructure:"deviceRoot"`
	DialTimeoutMS int      `mapstructure:"dialTimeoutMs"`
}

// transportConfig is the "transport" section controlling the device
// listener. The codec fields select the wire-level compression and
// encryption (see transport.CodecConfig); left unset, connections run
// in the clear with no compression, matching local dev defaults.
type transportConfig struct {
	ListenAddr  string `mapstructure:"listenAddr"`
	Compression string `mapstructure:"compression"`
	Encryption  string `mapstructure:"encryption"`
	EncKeyHex   string `mapstructure:"encKeyHex"`
	MacKeyHex   string `mapstructure:"macKeyHex"`
}

func (t transportConfig) codecConfig() transport.CodecConfig {
	return transport.CodecConfig{
		Compression: t.Compression,
		Encryption:  t.Encryption,
		EncKeyHex:   t.EncKeyHex,
		MacKeyHex:   t.MacKeyHex,
	}
}

// Application is the main runtime container for a Zeus service.
// It owns configuration and manages common dependencies.
type Application struct {
	cfg     *zviper.Config
	loggers map[string]*zlog.MLogger

	etcdCli     *clientv3.Client
	dir         *directory.Client
	cluster     *cluster.Contract
	manager     *devicesession.Manager
	listener    *transport.Listener
	ln          net.Listener
	nodeSession *sessionutil.Session
	membership  *cluster.Membership
}

// New creates a new Application instance.
func New() *Application {
	return &Application{}
}

// Run is the entry of Zeus application.
// It parses command-line arguments (os.Args) and loads configuration file
// using the following priority:
//   1. Default: ./config.yaml
//   2. Env: ZEUS_CONFIG_FILE_PATH
//   3. CLI: --config <path> or --config=<path>
func (a *Application) Run() error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	a.cfg = cfg

	if err := a.initLogging(); err != nil {
		return err
	}

	if err := a.initDeviceSession(); err != nil {
		return err
	}

	if err := a.initTransport(); err != nil {
		return err
	}

	a.initNodeMembership()

	return nil
}

// initNodeMembership publishes this gatewayd process into etcd under
// nodeMembershipRoot, the same lease+keepalive self-registration every
// service in this codebase uses, so peers can discover live nodes
// independently of the device operator directory. sess.Init and
// sess.Register panic when they cannot obtain a server id or register
// in etcd, so a failed registration stops the process. Only the
// membership watch is optional. Once registered, it starts a
// cluster.Membership watch over the same prefix so Peers/Count reflect
// the live node set rather than a point-in-time read.
func (a *Application) initNodeMembership() {
	addr := ""
	if a.ln != nil {
		addr = a.ln.Addr().String()
	}

	sess := sessionutil.NewSessionWithEtcd(context.Background(), nodeMembershipRoot, a.etcdCli)
	sess.Init("gatewayd", addr, false, false)
	sess.Register()
	a.nodeSession = sess

	membership, err := cluster.NewMembership(context.Background(), sess)
	if err != nil {
		a.Logger("gatewayd").Warn("membership watch unavailable", zap.Error(err))
		return
	}
	a.membership = membership
}

// Membership exposes the live node set once Run has completed, or nil
// if the watch never started (see initNodeMembership).
func (a *Application) Membership() *cluster.Membership {
	return a.membership
}

// Serve runs the device listener's accept loop until ctx is cancelled.
// It is a no-op if no "transport.listenAddr" was configured.
func (a *Application) Serve(ctx context.Context) error {
	if a.listener == nil {
		return nil
	}
	return a.listener.Serve(ctx)
}

// initTransport binds the device listener, if a listen address was
// configured. Without one, the application still runs the device
// session core (useful for tests or a purely programmatic embedding).
func (a *Application) initTransport() error {
	var tcfg transportConfig
	if err := a.cfg.UnmarshalKey("transport", &tcfg); err != nil {
		return fmt.Errorf("load transport config: %w", err)
	}
	if tcfg.ListenAddr == "" {
		return nil
	}

	codec, err := transport.BuildCodec(tcfg.codecConfig())
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", tcfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %q: %w", tcfg.ListenAddr, err)
	}
	a.ln = ln
	a.listener = transport.NewListenerWithCodec(ln, a.manager, a.dir, a.cluster.CurrentServerID(), codec)
	return nil
}

// Manager returns the device session core, once Run has completed.
func (a *Application) Manager() *devicesession.Manager {
	return a.manager
}

// Shutdown stops the device session core and releases the etcd client.
func (a *Application) Shutdown(ctx context.Context) error {
	if a.ln != nil {
		_ = a.ln.Close()
	}
	if a.membership != nil {
		a.membership.Stop()
	}
	if a.nodeSession != nil {
		_ = a.nodeSession.GoingStop()
		a.nodeSession.Stop()
	}
	if a.manager != nil {
		if err := a.manager.Shutdown(ctx); err != nil {
			return err
		}
	}
	if a.etcdCli != nil {
		return a.etcdCli.Close()
	}
	return nil
}

// initDeviceSession wires the device session core (§3/§4) to this
// node's etcd-backed cluster contract and device operator directory.
func (a *Application) initDeviceSession() error {
	var sessionCfg devicesession.Config
	if err := a.cfg.UnmarshalKey("devicesession", &sessionCfg); err != nil {
		return fmt.Errorf("load devicesession config: %w", err)
	}

	etcdCfg := etcdConfig{DeviceRoot: "/meshgate/devices", DialTimeoutMS: 5000}
	if err := a.cfg.UnmarshalKey("etcd", &etcdCfg); err != nil {
		return fmt.Errorf("load etcd config: %w", err)
	}
	if len(etcdCfg.Endpoints) == 0 {
		etcdCfg.Endpoints = []string{"127.0.0.1:2379"}
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   etcdCfg.Endpoints,
		DialTimeout: time.Duration(etcdCfg.DialTimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("connect etcd: %w", err)
	}
	a.etcdCli = cli

	a.dir = directory.New(cli, etcdCfg.DeviceRoot)
	a.cluster = cluster.New(a.dir, sessionCfg.CurrentServerID)
	a.manager = devicesession.NewManager(sessionCfg, devicesession.WithCluster(a.cluster))

	return a.manager.Init(context.Background())
}

// Config returns the loaded configuration, if any.
func (a *Application) Config() *zviper.Config {
	return a.cfg
}

// Logger returns a named logger created from configuration.
// If the name is unknown, it falls back to the global logger.
func (a *Application) Logger(name string) *zlog.MLogger {
	if a.loggers == nil {
		return &zlog.MLogger{Logger: zlog.L()}
	}
	if lg, ok := a.loggers[name]; ok && lg != nil {
		return lg
	}
	return &zlog.MLogger{Logger: zlog.L()}
}

// loadConfig resolves config file path and loads it via viper wrapper.
func (a *Application) loadConfig() (*zviper.Config, error) {
	configPath := "./config.yaml"

	if envPath := os.Getenv("ZEUS_CONFIG_FILE_PATH"); envPath != "" {
		configPath = envPath
	}

	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value after --config")
			}
			configPath = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--config=") {
			val := strings.TrimPrefix(arg, "--config=")
			if val != "" {
				configPath = val
			}
			continue
		}
	}

	cfg := zviper.New()
	if err := cfg.LoadFile(configPath); err != nil {
		return nil, fmt.Errorf("failed to load config file %q: %w", configPath, err)
	}

	return cfg, nil
}

// initLogging initializes global and module-level loggers.
func (a *Application) initLogging() error {
	if err := a.initGlobalLoggerFromEnv(); err != nil {
		return err
	}
	if err := a.initModuleLoggersFromConfig(); err != nil {
		return err
	}
	return nil
}

// initGlobalLoggerFromEnv configures the process-wide logger based on ZEUS_LOG_* env vars.
//
// Priority:
//   - ZEUS_LOG_ENABLE: "1"/"true"/"yes"/"on" to enable outputs; others treated as disabled.
//   - ZEUS_LOG_LEVEL: log level (default "info").
//   - ZEUS_LOG_STDOUT: whether to log to stdout (default false).
//   - ZEUS_LOG_FILE_DIR: log directory.
//   - ZEUS_LOG_FILE: log file name (empty means no file).
//   - ZEUS_LOG_FORMAT: log format ("text" or "json", default "text").
func (a *Application) initGlobalLoggerFromEnv() error {
	enabled := getenvBool("ZEUS_LOG_ENABLE", false)

	cfg := &zlog.Config{
		Level:              getenvDefault("ZEUS_LOG_LEVEL", "info"),
		GrpcLevel:          "",
		Format:             getenvDefault("ZEUS_LOG_FORMAT", "text"),
		DisableTimestamp:   false,
		Stdout:             getenvBool("ZEUS_LOG_STDOUT", false),
		DisableCaller:      false,
		DisableStacktrace:  false,
		DisableErrorVerbose: true,
		File: zlog.FileLogConfig{
			RootPath: getenvDefault("ZEUS_LOG_FILE_DIR", ""),
			Filename: getenvDefault("ZEUS_LOG_FILE", ""),
		},
	}

	// When not enabled, direct all outputs to a discarded sink.
	if !enabled {
		cfg.Stdout = false
		cfg.File.Filename = ""
	}

	logger, props, err := zlog.InitLogger(cfg)
	if err != nil {
		return fmt.Errorf("init global logger from env: %w", err)
	}
	zlog.ReplaceGlobals(logger, props)
	return nil
}

// initModuleLoggersFromConfig creates named loggers from YAML config under "logging" key.
//
// Example:
//   logging:
//     game:
//       level: debug
//       stdout: true
//       file:
//         rootpath: ./logs
//         filename: game.log
func (a *Application) initModuleLoggersFromConfig() error {
	if a.cfg == nil {
		return nil
	}

	// Unmarshal "logging" section into a map[name]Config.
	raw := make(map[string]zlog.Config)
	if err := a.cfg.UnmarshalKey("logging", &raw); err != nil {
		// If the key doesn't exist, UnmarshalKey typically leaves raw empty without error.
		// Any real error should be returned.
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	a.loggers = make(map[string]*zlog.MLogger, len(raw))
	for name, lc := range raw {
		cfgCopy := lc
		logger, _, err := zlog.InitLogger(&cfgCopy)
		if err != nil {
			return fmt.Errorf("init module logger %q: %w", name, err)
		}
		a.loggers[name] = &zlog.MLogger{Logger: logger}
	}

	return nil
}

func getenvDefault(key, def string) string {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	return val
}

func getenvBool(key string, def bool) bool {
	val := strings.TrimSpace(os.Getenv(key))
	if val == "" {
		return def
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
