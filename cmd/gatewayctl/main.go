package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/stemsi/exstem-gateway/internal/config"
	"github.com/stemsi/exstem-gateway/internal/logger"
	"github.com/stemsi/exstem-gateway/internal/service"
	"golang.org/x/term"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "hash-pin":
		hashPIN()
	case "token":
		issueToken(os.Args[2:])
	default:
		printUsage()
		os.Exit(2)
	}
}

// hashPIN prompts for a proctor PIN and prints the PROCTOR_PIN_HASH value.
func hashPIN() {
	fmt.Println("=== Proctor PIN ===")

	pin := readSecret("Enter PIN: ")
	if len(pin) < 4 || len(pin) > 12 || strings.Trim(pin, "0123456789") != "" {
		fmt.Println("Error: PIN must be 4 to 12 digits")
		os.Exit(1)
	}
	if readSecret("Repeat PIN: ") != pin {
		fmt.Println("Error: PINs do not match")
		os.Exit(1)
	}

	hash, err := service.HashPIN(pin)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("\nPROCTOR_PIN_HASH=%s\n", hash)
}

// issueToken signs a development token with JWT_SECRET.
func issueToken(args []string) {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	subject := fs.String("sub", "", "Subject (student or proctor id)")
	typ := fs.String("type", string(service.TokenTypeStudent), "Token type: student or proctor")
	ttl := fs.Duration("ttl", 2*time.Hour, "Token lifetime")
	_ = fs.Parse(args)

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)

	if *subject == "" {
		fmt.Print("Enter Subject: ")
		line, _ := bufio.NewReader(os.Stdin).ReadString('\n')
		*subject = strings.TrimSpace(line)
	}
	if *subject == "" {
		fmt.Println("Error: Subject is required")
		os.Exit(1)
	}

	tokenType := service.TokenType(*typ)
	if tokenType != service.TokenTypeStudent && tokenType != service.TokenTypeProctor {
		fmt.Println("Error: type must be student or proctor")
		os.Exit(1)
	}

	token, err := service.NewAuthService(cfg).GenerateToken(*subject, tokenType, *ttl)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to sign token")
	}
	fmt.Println(token)
}

func readSecret(prompt string) string {
	fmt.Print(prompt)
	b, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Println()
	if err != nil {
		fmt.Println("Error reading input")
		os.Exit(1)
	}
	return string(b)
}

func printUsage() {
	fmt.Println("Usage: gatewayctl <command> [flags]")
	fmt.Println("Commands:")
	fmt.Println("  hash-pin                      Hash a proctor PIN for PROCTOR_PIN_HASH")
	fmt.Println("  token -sub ID [-type] [-ttl]  Sign a development token")
}
