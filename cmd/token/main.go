package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/vultisig/custodian/config"
	"github.com/vultisig/custodian/service"
)

// token mints an operator bearer token for the custodian API.
func main() {
	operator := flag.String("operator", "", "operator name stored in the token subject")
	flag.Parse()

	cfg, err := config.ReadConfig("config")
	if err != nil {
		logrus.Fatalf("fail to read config: %v", err)
	}
	auth, err := service.NewAuthService(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
	if err != nil {
		logrus.Fatalf("fail to create auth service: %v", err)
	}
	token, err := auth.GenerateToken(*operator)
	if err != nil {
		logrus.Fatalf("fail to generate token: %v", err)
	}
	fmt.Fprintln(os.Stdout, token)
}
