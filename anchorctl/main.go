package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"syscall"

	"github.com/docopt/docopt-go"

	"golang.org/x/term"

	"bimchain.com/anchor/anchor"
)

const AnchorCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Anchor control.

The default urls are:
    api_url: https://api.bimchain.com
    stream_url: wss://stream.bimchain.com

Usage:
    anchorctl submit [--api_url=<api_url>] [--jwt=<jwt>] [--secret=<secret>]
        --type=<type>
        [<payload>]
    anchorctl call-contract [--api_url=<api_url>] [--jwt=<jwt>]
        --contract=<contract>
        --function=<function>
        [<payload>]
    anchorctl history [--api_url=<api_url>] [--jwt=<jwt>] <element_id>
    anchorctl watch [--stream_url=<stream_url>]
        [--message_count=<message_count>]
    anchorctl fingerprint [<payload>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --stream_url=<stream_url>
    --jwt=<jwt>                      Your platform JWT.
    --secret=<secret>                Signing secret. Prompted when omitted.
    --type=<type>                    Record type tag.
    --contract=<contract>            Contract name.
    --function=<function>            Contract function.
    --message_count=<message_count>  Print this many messages then exit.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], AnchorCtlVersion)
	if err != nil {
		panic(err)
	}

	if submit_, _ := opts.Bool("submit"); submit_ {
		submit(opts)
	} else if callContract_, _ := opts.Bool("call-contract"); callContract_ {
		callContract(opts)
	} else if history_, _ := opts.Bool("history"); history_ {
		history(opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(opts)
	} else if fingerprint_, _ := opts.Bool("fingerprint"); fingerprint_ {
		fingerprint(opts)
	}
}

func apiUrl(opts docopt.Opts) string {
	if apiUrl, err := opts.String("--api_url"); err == nil && apiUrl != "" {
		return apiUrl
	}
	return "https://api.bimchain.com"
}

func streamUrl(opts docopt.Opts) string {
	if streamUrl, err := opts.String("--stream_url"); err == nil && streamUrl != "" {
		return streamUrl
	}
	return "wss://stream.bimchain.com"
}

func parsePayload(opts docopt.Opts) map[string]any {
	payloadJson, err := opts.String("<payload>")
	if err != nil || payloadJson == "" {
		return map[string]any{}
	}
	payload := map[string]any{}
	if err := json.Unmarshal([]byte(payloadJson), &payload); err != nil {
		Err.Fatalf("Invalid payload json (%s).", err)
	}
	return payload
}

func readSecret(opts docopt.Opts) string {
	if secret, err := opts.String("--secret"); err == nil && secret != "" {
		return secret
	}
	fmt.Fprint(os.Stderr, "Signing secret: ")
	secretBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("Could not read secret (%s).", err)
	}
	return string(secretBytes)
}

func newClient(opts docopt.Opts, signer anchor.Signer) *anchor.Client {
	client := anchor.NewClientWithDefaults(
		context.Background(),
		apiUrl(opts),
		streamUrl(opts),
		signer,
	)
	if jwt, err := opts.String("--jwt"); err == nil && jwt != "" {
		if err := client.SetByJwt(jwt); err != nil {
			Err.Fatalf("Invalid jwt (%s).", err)
		}
	}
	return client
}

func submit(opts docopt.Opts) {
	recordType, _ := opts.String("--type")
	payload := parsePayload(opts)
	signer := anchor.NewHashSigner(readSecret(opts))

	client := newClient(opts, signer)
	defer client.Close()

	result, err := client.SubmitRecord(recordType, payload)
	if err != nil {
		Err.Fatalf("Submit failed (%s).", err)
	}
	Out.Printf("%s %s", result.Status, result.Id)
}

func callContract(opts docopt.Opts) {
	contract, _ := opts.String("--contract")
	function, _ := opts.String("--function")
	parameters := parsePayload(opts)

	client := newClient(opts, nil)
	defer client.Close()

	result, err := client.CallContract(contract, function, parameters)
	if err != nil {
		Err.Fatalf("Contract call failed (%s).", err)
	}
	resultJson, _ := json.MarshalIndent(result, "", "  ")
	Out.Printf("%s", resultJson)
}

func history(opts docopt.Opts) {
	elementId, _ := opts.String("<element_id>")

	client := newClient(opts, nil)
	defer client.Close()

	entries := client.GetHistory(elementId)
	if len(entries) == 0 {
		Out.Printf("No history for %s.", elementId)
		return
	}
	for _, entry := range entries {
		Out.Printf("%d %s %s", entry.Timestamp, entry.TransactionId, entry.Type)
	}
}

func watch(opts docopt.Opts) {
	messageCount := -1
	if messageCount_, err := opts.Int("--message_count"); err == nil {
		messageCount = messageCount_
	}

	stream := anchor.NewStreamTransportWithDefaults(
		context.Background(),
		streamUrl(opts),
		anchor.NewId(),
	)
	defer stream.Close()

	events := make(chan string, 64)
	stream.AddBlockCreatedListener(func(event *anchor.BlockCreatedEvent) {
		events <- fmt.Sprintf("block %d %s", event.BlockIndex, event.BlockHash)
	})
	stream.AddTransactionConfirmedListener(func(event *anchor.TransactionConfirmedEvent) {
		events <- fmt.Sprintf("confirmed %s in block %d", event.TransactionId, event.BlockIndex)
	})
	stream.AddContractEventListener(func(event *anchor.ContractEvent) {
		events <- fmt.Sprintf("contract %s %s", event.Contract, event.Event)
	})
	stream.AddDiagnosticListener(func(event *anchor.DiagnosticEvent) {
		events <- fmt.Sprintf("status %s %s", event.State, event.Message)
	})

	if err := stream.Connect(); err != nil {
		Err.Fatalf("Connect failed (%s).", err)
	}

	for i := 0; messageCount < 0 || i < messageCount; i += 1 {
		Out.Printf("%s", <-events)
	}
}

func fingerprint(opts docopt.Opts) {
	payload := parsePayload(opts)
	fingerprint, err := anchor.ParameterFingerprint(payload)
	if err != nil {
		Err.Fatalf("Fingerprint failed (%s).", err)
	}
	Out.Printf("%s", fingerprint)
}
