package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/LouisBrunner/rs-ethereum-browser-tools/ethwire"
	"github.com/LouisBrunner/rs-ethereum-browser-tools/facade"
)

const (
	Version       = "0.1.0"
	defaultChain  = 1
	connectWindow = 2 * time.Minute
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		handleServe()
	case "version":
		fmt.Printf("bridge-demo v%s\n", Version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("bridge-demo - Ethereum browser wallet signing bridge")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  bridge-demo serve     Start the bridge and walk through accounts + a signed message")
	fmt.Println("  bridge-demo version   Show version information")
	fmt.Println("  bridge-demo help      Show this help message")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  BRIDGE_PORT   loopback port to bind (default: random)")
	fmt.Println("  BRIDGE_CHAIN  chain ID the wallet must be on (default: 1)")
}

func handleServe() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Printf("❌ Error: could not initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	chainID := uint64(defaultChain)
	if v := os.Getenv("BRIDGE_CHAIN"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			fmt.Printf("❌ Error: invalid BRIDGE_CHAIN %q: %v\n", v, err)
			os.Exit(1)
		}
		chainID = parsed
	}

	var port uint16
	if v := os.Getenv("BRIDGE_PORT"); v != "" {
		parsed, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			fmt.Printf("❌ Error: invalid BRIDGE_PORT %q: %v\n", v, err)
			os.Exit(1)
		}
		port = uint16(parsed)
	}

	fmt.Println("=== Ethereum Browser Signing Bridge ===")
	fmt.Println()
	fmt.Println("Step 1: Starting loopback server...")

	srv, err := facade.Open(facade.Options{
		ChainID: chainID,
		Chains: map[uint64]ethwire.ChainInfo{
			chainID: {ChainName: "demo", NativeCurrency: &ethwire.NativeCurrency{Name: "Ether", Symbol: "ETH", Decimals: 18}},
		},
		Port:        port,
		OpenBrowser: true,
		Logger:      logger,
	})
	if err != nil {
		fmt.Printf("❌ Error: could not start bridge server: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Close(shutdownCtx); err != nil {
			fmt.Printf("⚠️  Warning: error during shutdown: %v\n", err)
		}
	}()

	fmt.Printf("✓ Listening, waiting for a browser to connect\n\n")
	fmt.Printf("  URL: %s\n\n", srv.URL())
	fmt.Println("Step 2: Open that URL in a browser with a wallet extension installed.")
	fmt.Println("(Press Ctrl+C at any time to stop.)")
	fmt.Println()

	callCtx, cancelCall := context.WithTimeout(ctx, connectWindow)
	defer cancelCall()

	addrs, err := srv.Client().GetUserAddresses(callCtx)
	if err != nil {
		fmt.Printf("❌ Error: could not fetch accounts: %v\n", err)
		return
	}

	fmt.Println("✓ Wallet connected!")
	fmt.Println()
	fmt.Println("Accounts:")
	for _, a := range addrs {
		fmt.Printf("  • %s\n", a.Hex())
	}
	fmt.Println()

	fmt.Println("Step 3: Requesting a signature over a demo message...")
	sig, err := srv.Client().SignTextMessage(ctx, addrs[0], "hello from bridge-demo")
	if err != nil {
		fmt.Printf("❌ Error: signing failed: %v\n", err)
		return
	}

	fmt.Printf("✓ Signature: %s\n\n", sig)
	fmt.Println("Demo complete. Press Ctrl+C to exit.")

	<-ctx.Done()
	fmt.Println()
	fmt.Println("Shutting down...")
}
