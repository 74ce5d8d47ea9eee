// Package builtin provides the assistant's built-in tools.
package builtin

import (
	"encoding/json"
	"fmt"

	"github.com/xiaot623/aiva/internal/config"
	"github.com/xiaot623/aiva/internal/domain"
	"github.com/xiaot623/aiva/internal/tools"
)

// Capability scopes required by the built-in tools.
const (
	CapFSRead        = "fs:read"
	CapFSWrite       = "fs:write"
	CapShellExec     = "shell:exec"
	CapMailboxRead   = "mailbox:read"
	CapMailboxSend   = "mailbox:send"
	CapMessagingSend = "messaging:send"
)

// Options configures the built-in tools.
type Options struct {
	Sandbox    *Sandbox
	ShellAllow []string
	Mailbox    Mailbox
	Notifier   Notifier
	Memory     MemoryStore
}

// OptionsFromConfig builds the sandbox and spool mailbox from configuration.
// Notifier and Memory are left for the caller to set.
func OptionsFromConfig(cfg config.ToolsConfig) (Options, error) {
	sandbox, err := NewSandbox(cfg.Roots, cfg.Deny, cfg.MaxFileBytes)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Sandbox:    sandbox,
		ShellAllow: cfg.ShellAllow,
		Mailbox:    NewSpoolMailbox(cfg.MailSpool, cfg.MailOutbox),
	}, nil
}

type registration struct {
	desc domain.ToolDescriptor
	fn   tools.ExecutorFunc
}

// Register adds every built-in tool to reg. The mail tools are registered
// only when a mailbox is configured.
func Register(reg *tools.Registry, opts Options) error {
	if opts.Sandbox == nil {
		return fmt.Errorf("sandbox is required")
	}
	files := &fileTools{sandbox: opts.Sandbox}
	shell := &shellTool{allow: opts.ShellAllow, dir: opts.Sandbox.Roots()[0]}
	messages := &messageTools{notifier: opts.Notifier, memory: opts.Memory}

	registrations := []registration{
		{readFileDescriptor, files.readFile},
		{writeFileDescriptor, files.writeFile},
		{listDirDescriptor, files.listDir},
		{readCSVDescriptor, files.readCSV},
		{writeCSVDescriptor, files.writeCSV},
		{bashDescriptor, shell.run},
		{sendMessageDescriptor, messages.send},
		{rememberDescriptor, messages.remember},
		{recallDescriptor, messages.recall},
	}
	if opts.Mailbox != nil {
		mail := &mailTools{mailbox: opts.Mailbox}
		registrations = append(registrations,
			registration{gmailListDescriptor, mail.list},
			registration{gmailSendDescriptor, mail.send},
		)
	}
	for _, r := range registrations {
		if err := reg.Register(r.desc, r.fn); err != nil {
			return fmt.Errorf("failed to register %s: %w", r.desc.Name, err)
		}
	}
	return nil
}

func decodeArgs[T any](raw json.RawMessage) (T, error) {
	var v T
	if len(raw) == 0 || string(raw) == "null" {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("invalid arguments: %w", err)
	}
	return v, nil
}

func encodeResult(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}
	return data, nil
}
