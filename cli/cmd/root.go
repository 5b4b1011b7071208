package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"southwinds.dev/signet"
	"southwinds.dev/signet/audit"
	"southwinds.dev/signet/persist"
)

var (
	cfgFile     string
	storePath   string
	passphrase  string
	namespace   string
	keyStore    *signet.KeyStore
	auditLogger audit.Logger
	cliContext  *CLIContext
)

type CLIContext struct {
	UserID    string
	SessionID string
	Source    string // hostname/IP
	StartTime time.Time
}

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "signet",
	Short: "Manage signing keys and produce signatures over digests",
	Long: `A key management tool for secp256k1, Ed25519 and P-256 signing keys.
Keys are stored as PKCS#8 documents, optionally sealed at rest with
ChaCha20-Poly1305 under a passphrase-derived key, with secure memory
protection while loaded.`,
	PersistentPreRunE: initializeKeyStore,
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		if keyStore != nil {
			return keyStore.Close()
		}
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags - consistent with config file structure
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.signet.yaml)")
	rootCmd.PersistentFlags().StringVarP(&storePath, "store-path", "p", "", "path to key storage")
	rootCmd.PersistentFlags().StringVar(&passphrase, "passphrase", "", "sealing passphrase (or use SIGNET_PASSPHRASE env var); empty stores documents unsealed")
	rootCmd.PersistentFlags().StringVarP(&namespace, "namespace", "n", "", "namespace identifier")
	rootCmd.PersistentFlags().String("store-type", "", "storage backend type (filesystem, leveldb, s3)")
	rootCmd.PersistentFlags().Bool("memory-lock", false, "attempt to lock process memory")

	bindFlagOrPanic("signet.path", "store-path")
	bindFlagOrPanic("signet.passphrase", "passphrase")
	bindFlagOrPanic("signet.namespace", "namespace")
	bindFlagOrPanic("signet.store_type", "store-type")
	bindFlagOrPanic("signet.memory_lock", "memory-lock")

	// Audit flags
	rootCmd.PersistentFlags().Bool("audit", false, "enable audit logging")
	rootCmd.PersistentFlags().String("audit-type", "", "audit logger type (file, syslog)")
	rootCmd.PersistentFlags().String("audit-file", "", "audit log file path")

	bindFlagOrPanic("audit.enabled", "audit")
	bindFlagOrPanic("audit.type", "audit-type")
	bindFlagOrPanic("audit.options.file_path", "audit-file")

	// S3 flags (for direct CLI usage)
	rootCmd.PersistentFlags().String("s3-endpoint", "", "S3 endpoint URL")
	rootCmd.PersistentFlags().String("s3-region", "", "S3 region")
	rootCmd.PersistentFlags().String("s3-bucket", "", "S3 bucket name")
	rootCmd.PersistentFlags().String("s3-prefix", "", "S3 key prefix")
	rootCmd.PersistentFlags().String("s3-access-key", "", "S3 access key ID")
	rootCmd.PersistentFlags().String("s3-secret-key", "", "S3 secret access key")
	rootCmd.PersistentFlags().Bool("s3-use-ssl", true, "Use SSL for S3 connections")

	bindFlagOrPanic("signet.s3.endpoint", "s3-endpoint")
	bindFlagOrPanic("signet.s3.region", "s3-region")
	bindFlagOrPanic("signet.s3.bucket", "s3-bucket")
	bindFlagOrPanic("signet.s3.key_prefix", "s3-prefix")
	bindFlagOrPanic("signet.s3.access_key_id", "s3-access-key")
	bindFlagOrPanic("signet.s3.secret_access_key", "s3-secret-key")
	bindFlagOrPanic("signet.s3.use_ssl", "s3-use-ssl")
}

func bindFlagOrPanic(configKey, flagName string) {
	if err := viper.BindPFlag(configKey, rootCmd.PersistentFlags().Lookup(flagName)); err != nil {
		panic(fmt.Sprintf("failed to bind %s flag: %v", flagName, err))
	}
}

func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
		}
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/signet")

		viper.SetConfigType("yaml")
		viper.SetConfigName(".signet")
	}

	viper.SetEnvPrefix("SIGNET")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "Error reading config file: %v\n", err)
		}
		// Config file not found is OK - defaults and env vars cover it
	} else if os.Getenv("DEBUG") == "true" {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func setDefaults() {
	viper.SetDefault("signet.path", ".signet")
	viper.SetDefault("signet.namespace", "default")
	viper.SetDefault("signet.store_type", "filesystem")
	viper.SetDefault("signet.memory_lock", false)

	// S3 defaults
	viper.SetDefault("signet.s3.region", "us-east-1")
	viper.SetDefault("signet.s3.key_prefix", "signet/")
	viper.SetDefault("signet.s3.use_ssl", true)

	// Audit defaults
	viper.SetDefault("audit.enabled", false)
	viper.SetDefault("audit.type", "file")
	viper.SetDefault("audit.options.max_size", 100)
	viper.SetDefault("audit.options.max_backups", 5)
	viper.SetDefault("audit.log_level", "info")
	viper.SetDefault("audit.options.file_path", "audit.log")
}

func initializeKeyStore(cmd *cobra.Command, args []string) error {
	// Skip initialization for help and completion commands
	if cmd.Name() == "help" || cmd.Name() == "completion" || cmd.Name() == "__complete" || belongsTo(cmd, "config") {
		return nil
	}

	storePath = viper.GetString("signet.path")
	namespace = viper.GetString("signet.namespace")

	// Audit file defaults to the store path unless explicitly set
	if viper.GetString("audit.options.file_path") == "audit.log" {
		viper.Set("audit.options.file_path", filepath.Join(storePath, "audit.log"))
	}

	passphrase = viper.GetString("signet.passphrase")
	if passphrase == "" {
		passphrase = os.Getenv("SIGNET_PASSPHRASE")
	}

	cliContext = &CLIContext{
		UserID:    getCurrentUser(),
		SessionID: generateSessionID(),
		Source:    getHostname(),
		StartTime: time.Now(),
	}

	var err error
	auditLogger, err = createAuditLogger()
	if err != nil {
		return fmt.Errorf("failed to create audit logger: %w", err)
	}

	store, err := createStore(viper.GetString("signet.store_type"))
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}

	options := signet.Options{
		DerivationPassphrase: passphrase,
		EnableMemoryLock:     viper.GetBool("signet.memory_lock"),
		UserID:               cliContext.UserID,
	}

	keyStore, err = signet.NewKeyStore(options, store, auditLogger, namespace)
	if err != nil {
		return fmt.Errorf("failed to initialize keystore for namespace %s: %w", namespace, err)
	}

	return nil
}

func belongsTo(cmd *cobra.Command, name string) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == name {
			return true
		}
	}
	return false
}

func createAuditLogger() (audit.Logger, error) {
	return audit.NewLogger(&audit.Config{
		Enabled:   viper.GetBool("audit.enabled"),
		Namespace: viper.GetString("signet.namespace"),
		Type:      audit.ConfigType(viper.GetString("audit.type")),
		Options: map[string]interface{}{
			"file_path":   viper.GetString("audit.options.file_path"),
			"max_size":    viper.GetInt("audit.options.max_size"),
			"max_backups": viper.GetInt("audit.options.max_backups"),
		},
		LogLevel: viper.GetString("audit.log_level"),
	})
}

func createStore(storeType string) (persist.Store, error) {
	switch strings.ToLower(storeType) {
	case "filesystem", "file":
		if err := os.MkdirAll(viper.GetString("signet.path"), 0700); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeFileSystem,
			Config: map[string]interface{}{"base_path": viper.GetString("signet.path")},
		}, namespace)

	case "leveldb":
		return persist.NewStore(persist.StoreConfig{
			Type:   persist.StoreTypeLevelDB,
			Config: map[string]interface{}{"base_path": viper.GetString("signet.path")},
		}, namespace)

	case "memory":
		return persist.NewStore(persist.StoreConfig{Type: persist.StoreTypeMemory}, namespace)

	case "s3":
		s3Config := persist.S3Config{
			Endpoint:        viper.GetString("signet.s3.endpoint"),
			AccessKeyID:     viper.GetString("signet.s3.access_key_id"),
			SecretAccessKey: viper.GetString("signet.s3.secret_access_key"),
			Bucket:          viper.GetString("signet.s3.bucket"),
			KeyPrefix:       viper.GetString("signet.s3.key_prefix"),
			UseSSL:          viper.GetBool("signet.s3.use_ssl"),
			Region:          viper.GetString("signet.s3.region"),
		}
		if err := validateS3Config(s3Config); err != nil {
			return nil, fmt.Errorf("invalid S3 configuration: %w", err)
		}
		return persist.NewS3Store(s3Config, namespace)

	default:
		return nil, fmt.Errorf("unsupported store type: %s. Supported types: filesystem, leveldb, memory, s3", storeType)
	}
}

func validateS3Config(config persist.S3Config) error {
	var missing []string

	if config.Endpoint == "" {
		missing = append(missing, "signet.s3.endpoint")
	}
	if config.Bucket == "" {
		missing = append(missing, "signet.s3.bucket")
	}

	hasAccessKey := config.AccessKeyID != ""
	hasSecretKey := config.SecretAccessKey != ""

	if hasAccessKey && !hasSecretKey {
		missing = append(missing, "signet.s3.secret_access_key")
	}
	if !hasAccessKey && hasSecretKey {
		missing = append(missing, "signet.s3.access_key_id")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	return nil
}
