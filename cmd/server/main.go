package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/api"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/auth"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/config"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/database"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/pairing"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/internal/relay"
	"github.com/suetaketakaya/Tokyo-ai-festival-sub001/pkg/logger"
)

func main() {
	if err := run(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv("RELAY_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	pairingToken := cfg.PairingToken
	if pairingToken == "" {
		pairingToken, err = auth.GeneratePairingToken()
		if err != nil {
			return err
		}
	}

	logger.Infof("Opening database: %s", cfg.DatabasePath)
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	authMgr, err := auth.NewManager(pairingToken)
	if err != nil {
		return err
	}

	relaySrv := relay.NewServer(cfg, authMgr, db)
	defer relaySrv.Close()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(api.LoggingMiddleware())
	router.Use(cors.New(cors.Config{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{"GET", "OPTIONS"},
		AllowHeaders:  []string{"*"},
		ExposeHeaders: []string{"Content-Length"},
	}))

	router.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "Relay server is running")
	})
	api.NewStatusHandler(relaySrv, db).Register(router)
	router.GET("/ws", relaySrv.HandleWebSocket)

	port, err := availablePort(cfg.Port)
	if err != nil {
		return err
	}

	host := cfg.AdvertiseHost
	if host == "" {
		host, err = localIP()
		if err != nil {
			return fmt.Errorf("detect local IP: %w", err)
		}
	}

	descriptor := pairing.Descriptor{
		Scheme: "ws",
		Host:   host,
		Port:   port,
		Token:  pairingToken,
	}
	printPairingInfo(descriptor, cfg)

	httpSrv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Infof("Received %v, shutting down", sig)
	}

	relaySrv.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(ctx)
}

func printPairingInfo(d pairing.Descriptor, cfg *config.Config) {
	uri := d.Encode()

	logger.Infof("Relay server listening on port %d", d.Port)
	logger.Infof("Pairing URI: %s", uri)
	logger.Infof("Assistant binary: %s", cfg.AssistantBin)

	qr, err := pairing.TerminalQR(uri)
	if err != nil {
		logger.Warnf("Failed to render pairing QR: %v", err)
	} else {
		fmt.Println("\nScan this QR code to pair:")
		fmt.Print(qr)
	}

	if cfg.QRFile != "" {
		if err := pairing.WriteQRFile(uri, cfg.QRFile); err != nil {
			logger.Warnf("Failed to write %s: %v", cfg.QRFile, err)
		} else {
			logger.Infof("Pairing QR written to %s", cfg.QRFile)
		}
	}
}

// availablePort returns the configured port, or probes upward from the
// default when none is set.
func availablePort(configured int) (int, error) {
	if configured != 0 {
		return configured, nil
	}
	for port := config.DefaultPort; port < config.DefaultPort+100; port++ {
		l, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		l.Close()
		return port, nil
	}
	return 0, fmt.Errorf("no available port in range %d-%d", config.DefaultPort, config.DefaultPort+99)
}

// localIP picks the first non-loopback IPv4 address for the pairing URI.
func localIP() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ip4 := ipNet.IP.To4(); ip4 != nil {
			return ip4.String(), nil
		}
	}
	return "", fmt.Errorf("no non-loopback IPv4 address found")
}
