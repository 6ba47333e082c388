package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"bifrostbridge/internal/applog"
	"bifrostbridge/internal/config"
	"bifrostbridge/internal/dispatch"
	"bifrostbridge/internal/secretvault"
)

var (
	flagConfigPath         string
	flagGenerateConfig     string
	flagInitEncryptionKey  bool
	flagEncrypt            bool
	flagListen             string
	flagMode               string
	flagTarget             string
	flagStaticDir          string
	flagSPA                bool
	flagSPAFallback        string
	flagMounts             []string
	flagWorkerThreads      int
	flagConnectTimeout     int
	flagIdleTimeout        int
	flagMaxConnLifetime    int
	flagProxyUsername      string
	flagProxyPassword      string
	flagPrivateKey         string
	flagCertificate        string
	flagNoConnectionPool   bool
	flagPoolMaxIdle        int
	flagMimeTypes          []string
	flagLogLevel           string
	flagLogFormat          string
	flagMaxHeaderSize      int
	flagGracePeriodSecs    int
)

var rootCmd = &cobra.Command{
	Use:           "bifrost",
	Short:         "Bifrost Bridge multi-mode HTTP(S) proxy",
	Long:          "Bifrost Bridge runs as a forward proxy, reverse proxy, static file server, or a combination of all three, selected by --mode or the loaded configuration file.",
	SilenceErrors: true,
	SilenceUsage:  true,
	RunE:          runRoot,
}

func init() {
	flags := rootCmd.Flags()
	flags.StringVar(&flagConfigPath, "config", "", "load configuration file")
	flags.StringVar(&flagGenerateConfig, "generate-config", "", "write a sample configuration to <path> and exit")
	flags.BoolVar(&flagInitEncryptionKey, "init-encryption-key", false, "initialize the SecretVault key directory and exit")
	flags.BoolVar(&flagEncrypt, "encrypt", false, "encrypt a payload (argument or stdin) to a {encrypted} token and exit")

	flags.StringVar(&flagListen, "listen", "", "override listen_addr")
	flags.StringVar(&flagMode, "mode", "", "override mode (forward|reverse|static|combined)")
	flags.StringVar(&flagTarget, "target", "", "override reverse_proxy_target")
	flags.StringVar(&flagStaticDir, "static-dir", "", "add a static mount at / serving this directory")
	flags.BoolVar(&flagSPA, "spa", false, "enable spa_mode on the last static mount (from the config or --static-dir)")
	flags.StringVar(&flagSPAFallback, "spa-fallback", "", "spa_fallback_file set by --spa (default index.html)")
	flags.StringArrayVar(&flagMounts, "mount", nil, "additional static mount as prefix:dir (repeatable)")
	flags.IntVar(&flagWorkerThreads, "worker-threads", 0, "override worker_threads")
	flags.IntVar(&flagConnectTimeout, "connect-timeout", 0, "override connect_timeout_secs")
	flags.IntVar(&flagIdleTimeout, "idle-timeout", 0, "override idle_timeout_secs")
	flags.IntVar(&flagMaxConnLifetime, "max-connection-lifetime", 0, "override max_connection_lifetime_secs")
	flags.StringVar(&flagProxyUsername, "proxy-username", "", "override forward proxy basic-auth username")
	flags.StringVar(&flagProxyPassword, "proxy-password", "", "override forward proxy basic-auth password")
	flags.StringVar(&flagPrivateKey, "private-key", "", "override TLS private key path")
	flags.StringVar(&flagCertificate, "certificate", "", "override TLS certificate path")
	flags.BoolVar(&flagNoConnectionPool, "no-connection-pool", false, "disable the connection pool")
	flags.IntVar(&flagPoolMaxIdle, "pool-max-idle", 0, "override pool_max_idle_per_host")
	flags.StringArrayVar(&flagMimeTypes, "mime-type", nil, "additional MIME mapping as ext:type (repeatable)")
	flags.StringVar(&flagLogLevel, "log-level", "", "override logging.level")
	flags.StringVar(&flagLogFormat, "log-format", "", "override logging.format")
	flags.IntVar(&flagMaxHeaderSize, "max-header-size", 0, "override max_header_size")
	flags.IntVar(&flagGracePeriodSecs, "grace-period", 30, "graceful shutdown grace period in seconds")
}

func runRoot(cmd *cobra.Command, args []string) error {
	if flagGenerateConfig != "" {
		return runGenerateConfig(flagGenerateConfig)
	}
	if flagInitEncryptionKey {
		return runInitEncryptionKey()
	}
	if flagEncrypt {
		var payload string
		if len(args) > 0 {
			payload = args[0]
		}
		return runEncrypt(payload, cmd.InOrStdin())
	}
	return runServe(cmd)
}

func runGenerateConfig(path string) error {
	if err := os.WriteFile(path, []byte(config.Sample()), 0o644); err != nil {
		return wrapExit(1, fmt.Errorf("write sample config: %w", err))
	}
	return nil
}

func runInitEncryptionKey() error {
	dir := secretDirFromEnv()
	if err := secretvault.Init(dir, false); err != nil {
		return wrapExit(1, err)
	}
	fmt.Fprintf(os.Stdout, "initialized encryption key in %s\n", dir)
	return nil
}

func runEncrypt(payload string, stdin io.Reader) error {
	dir := secretDirFromEnv()
	vault, err := secretvault.Open(dir)
	if err != nil {
		return wrapExit(1, err)
	}

	if payload == "" {
		scanner := bufio.NewScanner(stdin)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
		if scanner.Scan() {
			payload = scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			return wrapExit(1, fmt.Errorf("read stdin: %w", err))
		}
	}
	payload = strings.TrimRight(payload, "\r\n")

	token, err := vault.Encrypt(payload)
	if err != nil {
		return wrapExit(1, err)
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}

func secretDirFromEnv() string {
	if dir := strings.TrimSpace(os.Getenv("BIFROST_SECRET_DIR")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".bifrost"
	}
	return home + "/.bifrost"
}

func runServe(cmd *cobra.Command) error {
	if flagConfigPath == "" {
		return wrapExit(1, fmt.Errorf("--config <path> is required to start the server"))
	}

	overrides := buildOverrides(cmd)
	snapshot, err := config.Load(flagConfigPath, overrides)
	if err != nil {
		return wrapExit(1, err)
	}

	if hasEncryptedTokens(snapshot) {
		vault, err := secretvault.Open(snapshot.SecretDir)
		if err != nil {
			return wrapExit(1, fmt.Errorf("open secret vault: %w", err))
		}
		if err := resolveSecrets(snapshot, vault); err != nil {
			return wrapExit(1, err)
		}
	}

	applog.Configure(snapshot.Logging.Level, snapshot.Logging.Format)

	d, err := dispatch.New(snapshot)
	if err != nil {
		return wrapExit(1, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.Start(ctx)

	srv, err := dispatch.NewServer(snapshot, d)
	if err != nil {
		return wrapExit(2, err)
	}

	grace := time.Duration(flagGracePeriodSecs) * time.Second
	if err := srv.Serve(ctx, grace); err != nil {
		return wrapExit(2, err)
	}

	if ctx.Err() != nil {
		os.Exit(130)
	}
	return nil
}

func buildOverrides(cmd *cobra.Command) config.CLIOverrides {
	flags := cmd.Flags()
	overrides := config.CLIOverrides{
		Listen:                    flagListen,
		Mode:                      flagMode,
		Target:                    flagTarget,
		StaticDir:                 flagStaticDir,
		SPAFallback:               flagSPAFallback,
		WorkerThreads:             flagWorkerThreads,
		ConnectTimeoutSecs:        flagConnectTimeout,
		IdleTimeoutSecs:           flagIdleTimeout,
		MaxConnectionLifetimeSecs: flagMaxConnLifetime,
		ProxyUsername:             flagProxyUsername,
		ProxyPassword:             flagProxyPassword,
		PrivateKey:                flagPrivateKey,
		Certificate:               flagCertificate,
		NoConnectionPool:          flagNoConnectionPool,
		PoolMaxIdle:               flagPoolMaxIdle,
		LogLevel:                  flagLogLevel,
		LogFormat:                 flagLogFormat,
		MaxHeaderSize:             flagMaxHeaderSize,
		Mounts:                    flagMounts,
	}
	if flags.Changed("spa") {
		v := flagSPA
		overrides.SPA = &v
	}
	if len(flagMimeTypes) > 0 {
		overrides.MimeTypes = make(map[string]string, len(flagMimeTypes))
		for _, pair := range flagMimeTypes {
			ext, mime, ok := strings.Cut(pair, ":")
			if !ok {
				continue
			}
			overrides.MimeTypes[ext] = mime
		}
	}
	return overrides
}

func hasEncryptedTokens(snapshot *config.Snapshot) bool {
	for _, candidate := range []string{
		snapshot.ForwardProxy.ProxyPassword,
		snapshot.TLS.PrivateKey,
	} {
		if secretvault.IsToken(candidate) {
			return true
		}
	}
	for _, route := range snapshot.ReverseProxy.Routes {
		if route.Target != nil && secretvault.IsToken(route.Target.URL) {
			return true
		}
		for _, target := range route.Targets {
			if secretvault.IsToken(target.URL) {
				return true
			}
		}
	}
	return false
}

// resolveSecrets decrypts every {encrypted} token reachable from the
// snapshot in place. Field paths match the JSON document so operators can
// find the offending entry from a fatal error message without ever seeing
// the plaintext or ciphertext (spec.md §4.8).
func resolveSecrets(snapshot *config.Snapshot, vault *secretvault.Vault) error {
	if secretvault.IsToken(snapshot.ForwardProxy.ProxyPassword) {
		plain, err := vault.ResolveField("proxy_password", snapshot.ForwardProxy.ProxyPassword)
		if err != nil {
			return fmt.Errorf("resolve proxy_password: %w", err)
		}
		snapshot.ForwardProxy.ProxyPassword = plain
	}
	if secretvault.IsToken(snapshot.TLS.PrivateKey) {
		plain, err := vault.ResolveField("private_key", snapshot.TLS.PrivateKey)
		if err != nil {
			return fmt.Errorf("resolve private_key: %w", err)
		}
		snapshot.TLS.PrivateKey = plain
	}
	for ri, route := range snapshot.ReverseProxy.Routes {
		if route.Target != nil && secretvault.IsToken(route.Target.URL) {
			fieldPath := fmt.Sprintf("reverse_proxy_routes[%d].target.url", ri)
			plain, err := vault.ResolveField(fieldPath, route.Target.URL)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", fieldPath, err)
			}
			snapshot.ReverseProxy.Routes[ri].Target.URL = plain
		}
		for ti, target := range route.Targets {
			if !secretvault.IsToken(target.URL) {
				continue
			}
			fieldPath := fmt.Sprintf("reverse_proxy_routes[%d].targets[%d].url", ri, ti)
			plain, err := vault.ResolveField(fieldPath, target.URL)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", fieldPath, err)
			}
			snapshot.ReverseProxy.Routes[ri].Targets[ti].URL = plain
		}
	}
	return nil
}
