package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/drunlade/go-oftp/fileservice"
	"github.com/drunlade/go-oftp/oftp"
)

func newQueueCommand(a *app) *cobra.Command {
	var (
		name       string
		format     string
		recordSize int
		userData   string
		text       string
	)
	cmd := &cobra.Command{
		Use:   "queue <partner> <file>",
		Short: "Queue a file for a partner",
		Long: `Queue copies a file into the outbound queue of a partner. With format V
every line of the file becomes one record.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				name = strings.ToUpper(filepath.Base(args[1]))
			}
			if len(format) != 1 || !oftp.FileFormat(strings.ToUpper(format)[0]).Valid() {
				return fmt.Errorf("invalid argument %q for --format", format)
			}
			desc := &oftp.FileDescription{
				Format:            oftp.FileFormat(strings.ToUpper(format)[0]),
				MaximumRecordSize: recordSize,
				Description:       text,
			}

			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()

			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			var id oftp.FileID
			if desc.Format == oftp.FormatVariable {
				var records [][]byte
				sc := bufio.NewScanner(f)
				sc.Buffer(nil, oftp.MaxBufferSize)
				for sc.Scan() {
					records = append(records, append([]byte(nil), sc.Bytes()...))
				}
				if err := sc.Err(); err != nil {
					return err
				}
				id, err = s.Provider().SubmitRecords(args[0], name, records, desc, userData)
			} else {
				id, err = s.Provider().Submit(args[0], name, f, desc, userData)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fileservice.Name(id))
			return nil
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "virtual file name (default: upper-cased base name)")
	cmd.Flags().StringVarP(&format, "format", "f", "U", "record format: F, V, U or T")
	cmd.Flags().IntVarP(&recordSize, "record-size", "r", 0, "record size of F files, maximum for V")
	cmd.Flags().StringVarP(&userData, "userdata", "u", "", "user data sent with the file")
	cmd.Flags().StringVar(&text, "description", "", "file description (version 2.0)")
	return cmd
}

var states = map[string]fileservice.State{
	"receiving": fileservice.InReceiving,
	"received":  fileservice.InReceived,
	"unacked":   fileservice.InPendingEndToEnd,
	"done":      fileservice.InDone,
	"queued":    fileservice.OutQueued,
	"sent":      fileservice.OutWaitEndToEnd,
	"acked":     fileservice.OutReceivedEndToEnd,
	"failed":    fileservice.OutFailed,
}

func newListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list <partner> <state>",
		Short: "List the files of a partner in one state",
		Long: `List prints the files of a partner in a state, oldest first.

Inbound states: receiving, received, unacked, done.
Outbound states: queued, sent, acked, failed.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			state, ok := states[strings.ToLower(args[1])]
			if !ok {
				return fmt.Errorf("invalid argument %q: unknown state", args[1])
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()

			ids, err := s.Provider().List(args[0], state)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, id := range ids {
				m, err := s.Provider().Meta(args[0], id, state.Inbound())
				if err != nil {
					fmt.Fprintln(w, fileservice.Name(id))
					continue
				}
				line := fmt.Sprintf("%s\t%c\t%d", fileservice.Name(id), formatOf(m), m.FileSize)
				if m.Reason != oftp.AnswerNone {
					line += fmt.Sprintf("\t%s %s", m.Reason, m.ReasonText)
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}
}

func formatOf(m *fileservice.Meta) byte {
	if m.Format == 0 {
		return byte(oftp.FormatUnstructured)
	}
	return byte(m.Format)
}

func newAckCommand(a *app) *cobra.Command {
	var (
		reason int
		text   string
	)
	cmd := &cobra.Command{
		Use:   "ack <partner> <file>",
		Short: "Queue the end-to-end response of a received file",
		Long: `Ack answers a file in the received state, named as printed by list.
A reason other than 0 sends a negative response.`,
		Args: cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := fileservice.ParseName(args[1])
			if err != nil {
				return fmt.Errorf("invalid argument: %w", err)
			}
			s, err := a.open()
			if err != nil {
				return err
			}
			defer s.Close()
			return s.Provider().Acknowledge(args[0], id, oftp.AnswerReason(reason), text)
		},
	}
	cmd.Flags().IntVar(&reason, "reason", 0, "negative end-to-end reason code")
	cmd.Flags().StringVar(&text, "text", "", "reason text (version 2.0)")
	return cmd
}

func newHashPasswordCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print the bcrypt hash of a partner password",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				fd := int(os.Stdin.Fd())
				if !term.IsTerminal(fd) {
					return errors.New("no password given and stdin is not a terminal")
				}
				fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
				b, err := term.ReadPassword(fd)
				fmt.Fprintln(cmd.ErrOrStderr())
				if err != nil {
					return err
				}
				password = string(b)
			}
			if password == "" {
				return errors.New("empty password")
			}
			hash, err := fileservice.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
