package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"git.sr.ht/~luteus/luteus/config"
	"git.sr.ht/~luteus/luteus/database"
)

const usage = `usage: luteusctl [-config path] <action> [options...]

  hash-password           Hash a password for a user directive
  check-config            Load the configuration and list users and networks
  list-channels <user>    List the channels saved for a user
  help                    Show this help message
`

func init() {
	log.SetFlags(0)

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), usage)
	}
}

func loadConfig(path string) *config.Server {
	if path == "" {
		return config.Defaults()
	}
	if _, err := os.Stat(path); path == config.DefaultPath && errors.Is(err, os.ErrNotExist) {
		return config.Defaults()
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config file: %v", err)
	}
	return cfg
}

func readPassword() ([]byte, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		var password string
		if _, err := fmt.Scanln(&password); err != nil {
			return nil, err
		}
		return []byte(password), nil
	}

	fmt.Printf("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Printf("\n")
	return password, err
}

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", config.DefaultPath, "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	switch cmd := flag.Arg(0); cmd {
	case "hash-password":
		password, err := readPassword()
		if err != nil {
			log.Fatalf("failed to read password: %v", err)
		}
		if len(password) == 0 {
			log.Fatalf("password must not be empty")
		}

		hashed, err := bcrypt.GenerateFromPassword(password, bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("failed to hash password: %v", err)
		}
		fmt.Println(string(hashed))
	case "check-config":
		cfg := loadConfig(configPath)
		fmt.Printf("hostname %v, bouncer name %v\n", cfg.Hostname, cfg.BouncerName)
		for _, u := range cfg.Users {
			fmt.Printf("user %v\n", u.Name)
			for _, net := range u.Networks {
				fmt.Printf("  network %v (%v servers, nicks %v)\n", net.Name, len(net.Servers), net.Nicks)
			}
		}
	case "list-channels":
		username := flag.Arg(1)
		if username == "" {
			flag.Usage()
			os.Exit(1)
		}

		cfg := loadConfig(configPath)
		db, err := database.Open(cfg.DB.Driver, cfg.DB.Source)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer db.Close()

		networks, err := db.ListNetworks(ctx, username)
		if err != nil {
			log.Fatalf("failed to list networks: %v", err)
		}
		for _, net := range networks {
			channels, err := db.ListChannels(ctx, net.ID)
			if err != nil {
				log.Fatalf("failed to list channels of network %q: %v", net.Name, err)
			}
			for _, ch := range channels {
				fmt.Printf("%v\t%v\n", net.Name, ch.Name)
			}
		}
	default:
		flag.Usage()
		if cmd != "help" {
			os.Exit(1)
		}
	}
}
