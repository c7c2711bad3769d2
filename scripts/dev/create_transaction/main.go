package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"

	"github.com/vultisig/custodian/config"
	"github.com/vultisig/custodian/internal/types"
	"github.com/vultisig/custodian/service"
)

var (
	host     string
	from     string
	to       string
	value    string
	gasPrice string
	submit   bool
)

func main() {
	flag.StringVar(&host, "host", "localhost", "custodian host")
	flag.StringVar(&from, "from", "", "custodial sender address")
	flag.StringVar(&to, "to", "", "recipient address")
	flag.StringVar(&value, "value", "0", "value in wei")
	flag.StringVar(&gasPrice, "gas-price", "1000000000", "legacy gas price in wei")
	flag.BoolVar(&submit, "submit", false, "sign and submit after creating")
	flag.Parse()

	if from == "" || to == "" {
		panic("from and to are required")
	}

	cfg, err := config.ReadConfig("config")
	if err != nil {
		panic(err)
	}
	var token string
	if cfg.Server.JWTSecret != "" {
		auth, err := service.NewAuthService(cfg.Server.JWTSecret, cfg.Server.TokenTTL)
		if err != nil {
			panic(err)
		}
		if token, err = auth.GenerateToken("dev-script"); err != nil {
			panic(err)
		}
	}
	baseURL := fmt.Sprintf("http://%s:%d/custodian/transaction", host, cfg.Server.Port)

	createReq := types.TransactionCreateRequest{
		From:     from,
		To:       to,
		Value:    value,
		GasLimit: 21000,
		Type:     types.FeeLegacy,
		GasPrice: gasPrice,
	}
	var tx types.Transaction
	call(http.MethodPost, baseURL, token, createReq, &tx)
	fmt.Printf("Created transaction %s\n", tx.ID)

	if !submit {
		return
	}
	for _, status := range []types.TransactionStatus{types.StatusSigned, types.StatusSubmitted} {
		call(http.MethodPatch, fmt.Sprintf("%s/%s", baseURL, tx.ID), token, map[string]string{"transaction_status": string(status)}, &tx)
		fmt.Printf("Transaction %s is %s\n", tx.ID, tx.Status)
	}
	if tx.NetworkTxHash != nil {
		fmt.Printf("Network hash: %s\n", tx.NetworkTxHash.Hex())
	}
}

func call(method, url, token string, body any, out any) {
	reqBytes, err := json.Marshal(body)
	if err != nil {
		panic(err)
	}
	req, err := http.NewRequest(method, url, bytes.NewBuffer(reqBytes))
	if err != nil {
		panic(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		panic(err)
	}
	defer resp.Body.Close()
	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		panic(err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		panic(fmt.Sprintf("request failed: %d %s", resp.StatusCode, respBytes))
	}
	if err := json.Unmarshal(respBytes, out); err != nil {
		panic(err)
	}
}
