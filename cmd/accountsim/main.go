// accountsim drives smart accounts of both protocols against an in-memory
// chain.
package main

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/blndgs/smartaccount"
	"github.com/blndgs/smartaccount/builder"
	"github.com/blndgs/smartaccount/dispatch"
	"github.com/blndgs/smartaccount/internal/token"
	"github.com/blndgs/smartaccount/server"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
	"github.com/urfave/cli/v2"
)

var (
	configFlag = &cli.StringFlag{
		Name:  "config",
		Usage: "TOML configuration file",
	}
	verbosityFlag = &cli.StringFlag{
		Name:  "verbosity",
		Usage: "Log level (trace, debug, info, warn, error, crit), overrides the configuration",
	}
	keyFlag = &cli.StringFlag{
		Name:  "key",
		Usage: "Hex private key of the account owner, random if unset",
	}
	amountFlag = &cli.StringFlag{
		Name:  "amount",
		Usage: "Token amount to mint, in wei",
		Value: "1000000000000000000",
	}
	listenFlag = &cli.StringFlag{
		Name:  "listen",
		Usage: "HTTP listen address, overrides the configuration",
	}
	ownerFlag = &cli.StringSliceFlag{
		Name:  "owner",
		Usage: "Deploy and fund one account of each protocol for this owner address",
	}
)

var (
	// TokenAddress is where the mintable token is installed.
	TokenAddress = common.HexToAddress("0x00000000000000000000000000000000000070c0")
	// Beneficiary collects the EntryPoint fees of the scenario.
	Beneficiary = common.HexToAddress("0x000000000000000000000000000000000000bEEF")
)

var scenarioCommand = &cli.Command{
	Action: runScenario,
	Name:   "scenario",
	Usage:  "Mint tokens through an EntryPoint account and a Bootloader account",
	Flags:  []cli.Flag{keyFlag, amountFlag},
}

var serveCommand = &cli.Command{
	Action: runServe,
	Name:   "serve",
	Usage:  "Serve the account API over HTTP",
	Flags:  []cli.Flag{listenFlag, ownerFlag},
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "accountsim"
	app.Usage = "smart account simulator"
	app.Flags = []cli.Flag{configFlag, verbosityFlag}
	app.Commands = []*cli.Command{scenarioCommand, serveCommand}
	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the configuration and installs the root log handler.
func setup(ctx *cli.Context) (*smartaccount.Config, error) {
	cfg := smartaccount.DefaultConfig()
	if path := ctx.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = smartaccount.LoadConfig(path); err != nil {
			return nil, err
		}
	}
	if v := ctx.String(verbosityFlag.Name); v != "" {
		cfg.LogLevel = strings.ToLower(v)
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}

	usecolor := os.Getenv("TERM") != "dumb"
	log.Root().SetHandler(log.LvlFilterHandler(cfg.LogLvl(), log.StreamHandler(os.Stderr, log.TerminalFormat(usecolor))))
	return cfg, nil
}

func ownerKey(ctx *cli.Context) (*ecdsa.PrivateKey, error) {
	hexkey := ctx.String(keyFlag.Name)
	if hexkey == "" {
		return crypto.GenerateKey()
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexkey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid key: %w", err)
	}
	return key, nil
}

func runScenario(ctx *cli.Context) error {
	cfg, err := setup(ctx)
	if err != nil {
		return err
	}
	key, err := ownerKey(ctx)
	if err != nil {
		return err
	}
	amount, ok := new(big.Int).SetString(ctx.String(amountFlag.Name), 10)
	if !ok || amount.Sign() < 0 {
		return fmt.Errorf("invalid amount %q", ctx.String(amountFlag.Name))
	}

	var (
		chain  = dispatch.NewChain(cfg)
		signer = builder.NewSigner(key, cfg)
		bg     = ctx.Context
	)
	chain.DeployToken(TokenAddress)
	simple, boot, err := deployFunded(chain, signer.Address())
	if err != nil {
		return err
	}

	mint := func(to common.Address) (smartaccount.Call, error) {
		data, err := token.MintCallData(to, amount)
		return smartaccount.Call{Target: TokenAddress, Value: new(big.Int), Data: data}, err
	}

	call, err := mint(simple)
	if err != nil {
		return err
	}
	op, err := builder.NewUserOp(simple, chain.EntryPointNonce(simple, new(big.Int)), []smartaccount.Call{call})
	if err != nil {
		return err
	}
	if err := signer.SignUserOp(op); err != nil {
		return err
	}
	rcpt, err := chain.HandleUserOp(bg, op, Beneficiary)
	if err != nil {
		return fmt.Errorf("handle user operation: %w", err)
	}
	report("EntryPoint", rcpt, chain.TokenBalance(TokenAddress, simple))

	call, err = mint(boot)
	if err != nil {
		return err
	}
	tx := builder.NewTransaction(boot, chain.MinNonce(boot), call)
	if err := signer.SignTransaction(tx); err != nil {
		return err
	}
	rcpt, err = chain.ProcessTransaction(bg, tx)
	if err != nil {
		return fmt.Errorf("process transaction: %w", err)
	}
	report("Bootloader", rcpt, chain.TokenBalance(TokenAddress, boot))

	if !rcpt.Success {
		return fmt.Errorf("transaction %s failed: %s", rcpt.Hash.Hex(), rcpt.Reason)
	}
	return nil
}

func report(protocol string, rcpt *dispatch.Receipt, balance *big.Int) {
	fmt.Printf("%-10s sender=%s nonce=%v stage=%s success=%t token balance=%v\n",
		protocol, rcpt.Sender.Hex(), rcpt.Nonce, rcpt.Stage(), rcpt.Success, balance)
}

func runServe(ctx *cli.Context) error {
	cfg, err := setup(ctx)
	if err != nil {
		return err
	}
	listen := cfg.Listen
	if l := ctx.String(listenFlag.Name); l != "" {
		listen = l
	}

	chain := dispatch.NewChain(cfg)
	chain.DeployToken(TokenAddress)
	for _, o := range ctx.StringSlice(ownerFlag.Name) {
		if !common.IsHexAddress(o) {
			return fmt.Errorf("invalid owner address %q", o)
		}
		if _, _, err := deployFunded(chain, common.HexToAddress(o)); err != nil {
			return err
		}
	}

	srv, err := server.New(chain)
	if err != nil {
		return err
	}
	sigctx, stop := signal.NotifyContext(ctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return srv.ListenAndServe(sigctx, listen)
}

// deployFunded deploys one account of each protocol for owner and funds
// both with one ether.
func deployFunded(chain *dispatch.Chain, owner common.Address) (simple, boot common.Address, err error) {
	sa, err := chain.DeploySimpleAccount(owner, common.Hash{})
	if err != nil {
		return simple, boot, err
	}
	ba, err := chain.DeployBootloaderAccount(owner, common.Hash{})
	if err != nil {
		return simple, boot, err
	}
	simple, boot = sa.Address(), ba.Address()
	for _, addr := range []common.Address{simple, boot} {
		if err := chain.Fund(addr, big.NewInt(params.Ether)); err != nil {
			return simple, boot, err
		}
	}
	return simple, boot, nil
}
