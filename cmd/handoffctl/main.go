package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"handoff/internal/client"
)

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  handoffctl send    -server URL -email E -password P -to RECEIVER_ID [-code CODE] <files...>
  handoffctl inbox   -server URL -email E -password P
  handoffctl receive -server URL -transfer ID -code CODE [-out FILE]`)
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	ctx := context.Background()

	var err error
	switch os.Args[1] {
	case "send":
		err = runSend(ctx, os.Args[2:])
	case "inbox":
		err = runInbox(ctx, os.Args[2:])
	case "receive":
		err = runReceive(ctx, os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runSend(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "server base URL")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	to := fs.String("to", "", "receiver account id")
	code := fs.String("code", "", "access code (generated when empty)")
	fs.Parse(args)

	if *email == "" || *password == "" || *to == "" {
		return fmt.Errorf("email, password and receiver are required")
	}

	uploads, err := client.CollectUploads(fs.Args())
	if err != nil {
		return err
	}

	c := client.New(*server)
	if err := c.Login(ctx, *email, *password); err != nil {
		return err
	}

	receipt, err := c.Send(ctx, *to, *code, uploads)
	if err != nil {
		return err
	}

	fmt.Printf("Sent %d file(s), %d bytes\n", receipt.FileCount, client.TotalSize(uploads))
	fmt.Printf("Transfer: %s\n", receipt.TransferID)
	if receipt.Generated {
		fmt.Printf("Access code (share it with the receiver): %s\n", receipt.AccessCode)
	}
	return nil
}

func runInbox(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("inbox", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "server base URL")
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	fs.Parse(args)

	if *email == "" || *password == "" {
		return fmt.Errorf("email and password are required")
	}

	c := client.New(*server)
	if err := c.Login(ctx, *email, *password); err != nil {
		return err
	}

	list, err := c.Inbox(ctx)
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No incoming transfers.")
		return nil
	}
	for _, in := range list {
		fmt.Printf("%s  from %-30s  %-8s  %d file(s)\n", in.TransferID, in.SenderEmail, in.Status, in.FileCount)
	}
	return nil
}

func runReceive(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("receive", flag.ExitOnError)
	server := fs.String("server", "http://localhost:8080", "server base URL")
	transferID := fs.String("transfer", "", "transfer id")
	code := fs.String("code", "", "access code")
	out := fs.String("out", "", "output file (default transfer-<id>.zip)")
	fs.Parse(args)

	if *transferID == "" || *code == "" {
		return fmt.Errorf("transfer id and access code are required")
	}

	c := client.New(*server)
	token, err := c.Verify(ctx, *transferID, *code)
	if err != nil {
		return err
	}

	dest := *out
	if dest == "" {
		dest = "transfer-" + *transferID + ".zip"
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := c.FetchBundle(ctx, *transferID, token, f); err != nil {
		os.Remove(dest)
		return err
	}
	fmt.Printf("Saved %s\n", dest)
	return nil
}
