// Package cmd implements the discnode command line interface.
package cmd

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/bauerj/nim-eth/db"
	"github.com/bauerj/nim-eth/discv5"
	"github.com/bauerj/nim-eth/enr"
	"github.com/bauerj/nim-eth/portal"
	"github.com/bauerj/nim-eth/webui"
)

var (
	configPath    string
	privateKeyHex string
	bindAddr      string
	enrIP         string
	enrPort       int
	bootnodesFlag string
	enrAutoUpdate bool
	nodeDBPath    string
	logLevel      string
	enablePortal  bool

	enableWebUI bool
	webUIHost   string
	webUIPort   int

	rootCmd = &cobra.Command{
		Use:   "discnode",
		Short: "UDP node-discovery daemon",
		Long: `discnode runs a node-discovery service: it maintains a Kademlia
routing table over an authenticated UDP protocol, answers peer queries, and
optionally serves the portal content-routing overlay on the talk channel.`,
		RunE: runNode,
	}
)

// fileConfig mirrors the flags for YAML configuration files. Flags set on
// the command line take precedence.
type fileConfig struct {
	PrivateKey    string   `yaml:"privateKey"`
	BindAddress   string   `yaml:"bindAddress"`
	ENRIP         string   `yaml:"enrIP"`
	ENRPort       int      `yaml:"enrPort"`
	Bootnodes     []string `yaml:"bootnodes"`
	EnrAutoUpdate bool     `yaml:"enrAutoUpdate"`
	NodeDB        string   `yaml:"nodeDB"`
	LogLevel      string   `yaml:"logLevel"`
	Portal        bool     `yaml:"portal"`

	WebUI     bool   `yaml:"webUI"`
	WebUIHost string `yaml:"webUIHost"`
	WebUIPort int    `yaml:"webUIPort"`
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to YAML configuration file")
	rootCmd.Flags().StringVar(&privateKeyHex, "private-key", "", "Private key in hex (empty = generate)")
	rootCmd.Flags().StringVar(&bindAddr, "bind-addr", discv5.DefaultBindAddress, "UDP listen endpoint")
	rootCmd.Flags().StringVar(&enrIP, "enr-ip", "", "IP to advertise in the ENR (empty = bind IP)")
	rootCmd.Flags().IntVar(&enrPort, "enr-port", 0, "UDP port to advertise in the ENR (0 = bind port)")
	rootCmd.Flags().StringVar(&bootnodesFlag, "bootnodes", "", "Comma-separated bootstrap ENRs (enr:...)")
	rootCmd.Flags().BoolVar(&enrAutoUpdate, "enr-auto-update", false, "Update the local ENR from the peer address vote")
	rootCmd.Flags().StringVar(&nodeDBPath, "nodedb", "", "Path to the node database (empty = no persistence)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&enablePortal, "portal", false, "Serve the portal overlay")

	rootCmd.Flags().BoolVar(&enableWebUI, "web-ui", false, "Enable the status API")
	rootCmd.Flags().StringVar(&webUIHost, "web-host", "127.0.0.1", "Status API host")
	rootCmd.Flags().IntVar(&webUIPort, "web-port", 8080, "Status API port")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// applyFileConfig overlays values from a YAML file under the flags.
func applyFileConfig(cmd *cobra.Command) error {
	if configPath == "" {
		return nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	if !cmd.Flags().Changed("private-key") && fc.PrivateKey != "" {
		privateKeyHex = fc.PrivateKey
	}
	if !cmd.Flags().Changed("bind-addr") && fc.BindAddress != "" {
		bindAddr = fc.BindAddress
	}
	if !cmd.Flags().Changed("enr-ip") && fc.ENRIP != "" {
		enrIP = fc.ENRIP
	}
	if !cmd.Flags().Changed("enr-port") && fc.ENRPort != 0 {
		enrPort = fc.ENRPort
	}
	if !cmd.Flags().Changed("bootnodes") && len(fc.Bootnodes) > 0 {
		bootnodesFlag = strings.Join(fc.Bootnodes, ",")
	}
	if !cmd.Flags().Changed("enr-auto-update") {
		enrAutoUpdate = fc.EnrAutoUpdate
	}
	if !cmd.Flags().Changed("nodedb") && fc.NodeDB != "" {
		nodeDBPath = fc.NodeDB
	}
	if !cmd.Flags().Changed("log-level") && fc.LogLevel != "" {
		logLevel = fc.LogLevel
	}
	if !cmd.Flags().Changed("portal") {
		enablePortal = fc.Portal
	}
	if !cmd.Flags().Changed("web-ui") {
		enableWebUI = fc.WebUI
	}
	if !cmd.Flags().Changed("web-host") && fc.WebUIHost != "" {
		webUIHost = fc.WebUIHost
	}
	if !cmd.Flags().Changed("web-port") && fc.WebUIPort != 0 {
		webUIPort = fc.WebUIPort
	}

	return nil
}

func runNode(cmd *cobra.Command, args []string) error {
	if err := applyFileConfig(cmd); err != nil {
		return err
	}

	logger := logrus.New()
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logger.SetLevel(level)

	privKey, err := loadPrivateKey(logger)
	if err != nil {
		return err
	}

	cfg := discv5.DefaultConfig()
	cfg.PrivateKey = privKey
	cfg.BindAddress = bindAddr
	cfg.EnrAutoUpdate = enrAutoUpdate
	cfg.Logger = logger

	if enrIP != "" {
		cfg.ENRIP = parseIP(enrIP)
		if cfg.ENRIP == nil {
			return fmt.Errorf("invalid --enr-ip: %s", enrIP)
		}
	}
	cfg.ENRPort = enrPort

	if bootnodesFlag != "" {
		for _, raw := range strings.Split(bootnodesFlag, ",") {
			record, err := enr.DecodeBase64(strings.TrimSpace(raw))
			if err != nil {
				return fmt.Errorf("invalid bootnode record: %w", err)
			}
			cfg.BootstrapRecords = append(cfg.BootstrapRecords, record)
		}
	}

	if nodeDBPath != "" {
		database, err := db.NewDatabase(nodeDBPath, logger)
		if err != nil {
			return err
		}
		defer database.Close()
		cfg.NodeStore = database
	}

	service, err := discv5.New(cfg)
	if err != nil {
		return err
	}

	if err := service.Open(); err != nil {
		return err
	}

	if enablePortal {
		if _, err := portal.New(service, logger); err != nil {
			return err
		}
		logger.Info("portal overlay registered")
	}

	if err := service.Start(); err != nil {
		return err
	}

	if localENR, err := service.LocalNode().Record().EncodeBase64(); err == nil {
		logger.WithField("enr", localENR).Info("node running")
	}

	if enableWebUI {
		webui.StartHTTPServer(&webui.Config{Host: webUIHost, Port: webUIPort}, logger, service)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	return service.CloseWait()
}

// loadPrivateKey parses the configured key or generates a fresh one.
func loadPrivateKey(logger logrus.FieldLogger) (*ecdsa.PrivateKey, error) {
	if privateKeyHex == "" {
		key, err := ethcrypto.GenerateKey()
		if err != nil {
			return nil, fmt.Errorf("failed to generate key: %w", err)
		}

		logger.WithField("key", hex.EncodeToString(ethcrypto.FromECDSA(key))).
			Warn("no private key configured, generated an ephemeral one")
		return key, nil
	}

	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func parseIP(s string) net.IP {
	return net.ParseIP(s)
}
