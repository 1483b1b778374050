package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	relay "github.com/relay-chat/relay-go"
)

var (
	flagGroupID string
	flagDMPeer  string
)

func init() {
	rootCmd.AddCommand(groupsCmd)
	groupsCmd.AddCommand(groupsCreateCmd)
	groupsCmd.AddCommand(groupsInviteCmd)

	rootCmd.AddCommand(contactsCmd)
	contactsCmd.AddCommand(contactsAddCmd)
	contactsCmd.AddCommand(contactsAcceptCmd)
	contactsCmd.AddCommand(contactsRejectCmd)

	rootCmd.AddCommand(invitesCmd)
	invitesCmd.AddCommand(invitesAcceptCmd)

	rootCmd.AddCommand(pendingCmd)
	rootCmd.AddCommand(unreadCmd)

	for _, c := range []*cobra.Command{historyCmd, sendCmd, watchCmd} {
		c.Flags().StringVar(&flagGroupID, "group", "", "Group id")
		c.Flags().StringVar(&flagDMPeer, "dm", "", "Direct-message peer user id")
		rootCmd.AddCommand(c)
	}
}

// conversationFromFlags resolves --group / --dm into a conversation ref.
func conversationFromFlags() (relay.ConversationRef, error) {
	switch {
	case flagGroupID != "" && flagDMPeer != "":
		return relay.ConversationRef{}, fmt.Errorf("--group and --dm are mutually exclusive")
	case flagGroupID != "":
		return relay.ConversationRef{Kind: relay.ConversationGroup, ID: flagGroupID}, nil
	case flagDMPeer != "":
		return relay.ConversationRef{Kind: relay.ConversationDM, ID: flagDMPeer}, nil
	default:
		return relay.ConversationRef{}, fmt.Errorf("specify --group <id> or --dm <peer-id>")
	}
}

func sessionContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

// ============================================================================
// Groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List your groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		groups, err := client.Groups.List(ctx)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, g := range groups {
			fmt.Printf("%s  %s\n", g.ID, g.Name)
		}
		return nil
	},
}

var groupsCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		if err := client.Groups.Create(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Created group %q\n", args[0])
		return nil
	},
}

var groupsInviteCmd = &cobra.Command{
	Use:   "invite <group-id> <email>",
	Short: "Invite a user to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		if err := client.Groups.Invite(ctx, args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("Invited %s to group %s\n", args[1], args[0])
		return nil
	},
}

// ============================================================================
// Contacts
// ============================================================================

var contactsCmd = &cobra.Command{
	Use:   "contacts",
	Short: "List your contacts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		contacts, err := client.Contacts.List(ctx)
		if err != nil {
			return err
		}
		if len(contacts) == 0 {
			fmt.Println("No contacts.")
			return nil
		}
		for _, c := range contacts {
			fmt.Printf("%s  %s  (%s)\n", c.ID, c.Email, c.Status)
		}
		return nil
	},
}

var contactsAddCmd = &cobra.Command{
	Use:   "add <email>",
	Short: "Send a contact request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		if err := client.Contacts.Add(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Contact request sent to %s\n", args[0])
		return nil
	},
}

var contactsAcceptCmd = &cobra.Command{
	Use:   "accept <invite-id>",
	Short: "Accept a contact request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		if err := client.Contacts.Accept(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Contact request accepted.")
		return nil
	},
}

var contactsRejectCmd = &cobra.Command{
	Use:   "reject <invite-id>",
	Short: "Reject a contact request",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		if err := client.Contacts.Reject(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Contact request rejected.")
		return nil
	},
}

// ============================================================================
// Group invitations
// ============================================================================

var invitesCmd = &cobra.Command{
	Use:   "invites",
	Short: "Manage group invitations",
}

var invitesAcceptCmd = &cobra.Command{
	Use:   "accept <invite-id>",
	Short: "Accept a group invitation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		if err := client.Invites.Accept(ctx, args[0]); err != nil {
			return err
		}
		fmt.Println("Group invitation accepted.")
		return nil
	},
}

// ============================================================================
// Pending requests and unread counts
// ============================================================================

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List pending contact requests and group invitations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		pending, err := client.Notifications.Pending(ctx)
		if err != nil {
			return err
		}
		if len(pending.PendingContacts) == 0 && len(pending.PendingInvites) == 0 {
			fmt.Println("Nothing pending.")
			return nil
		}
		for _, pc := range pending.PendingContacts {
			fmt.Printf("contact  %s  from %s\n", pc.ID, pc.SenderUser.Email)
		}
		for _, pi := range pending.PendingInvites {
			fmt.Printf("invite   %s  to %q from %s\n", pi.ID, pi.GroupName, pi.InvitedBy.Email)
		}
		return nil
	},
}

var unreadCmd = &cobra.Command{
	Use:   "unread",
	Short: "Show unread counts per conversation",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()

		groups, err := client.Groups.List(ctx)
		if err != nil {
			return err
		}
		contacts, err := client.Contacts.List(ctx)
		if err != nil {
			return err
		}

		total := 0
		for _, g := range groups {
			count, err := client.Unread.Group(ctx, g.ID)
			if err != nil {
				return err
			}
			if count > 0 {
				fmt.Printf("%4d  group  %s\n", count, g.Name)
				total += count
			}
		}
		for _, c := range contacts {
			if c.Status != relay.ContactAccepted {
				continue
			}
			count, err := client.Unread.Direct(ctx, c.ID)
			if err != nil {
				return err
			}
			if count > 0 {
				fmt.Printf("%4d  dm     %s\n", count, c.Email)
				total += count
			}
		}
		if total == 0 {
			fmt.Println("All caught up.")
		}
		return nil
	},
}

// ============================================================================
// History and send
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print a conversation's message history",
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := conversationFromFlags()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		var msgs []relay.Message
		if ref.Kind == relay.ConversationGroup {
			msgs, err = client.Messages.Group(ctx, ref.ID)
		} else {
			msgs, err = client.Messages.Direct(ctx, ref.ID)
		}
		if err != nil {
			return err
		}
		for _, m := range msgs {
			sender := m.SenderID
			if sender == cfg.Auth.UserID {
				sender = "me"
			}
			fmt.Printf("[%s] %s: %s\n", m.Timestamp, sender, m.Body)
		}
		return nil
	},
}

var sendCmd = &cobra.Command{
	Use:   "send <message...>",
	Short: "Send a message to a conversation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref, err := conversationFromFlags()
		if err != nil {
			return err
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}
		ctx, cancel := sessionContext()
		defer cancel()

		req := relay.SendMessageRequest{Body: strings.Join(args, " ")}
		if ref.Kind == relay.ConversationGroup {
			req.GroupID = ref.ID
		} else {
			req.ReceiverID = ref.ID
		}
		msg, err := client.Messages.Send(ctx, req)
		if err != nil {
			return err
		}
		fmt.Printf("Sent (id %s)\n", msg.ID)
		return nil
	},
}

// ============================================================================
// Watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stream live messages",
	Long:  "Connect to the push transport and print incoming messages until interrupted.\nWith --group or --dm the conversation is focused: its history is printed first and the read cursor advances as messages arrive.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client, err := newAuthedClient(cfg)
		if err != nil {
			return err
		}

		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
			With().Timestamp().Logger().Level(zerolog.WarnLevel)

		base, _, _ := resolveBaseURL(cfg)
		if base == "" {
			base = relay.DefaultBaseURL
		}
		transport := relay.NewWSTransport(base, &relay.WSConfig{
			Token:         cfg.Auth.Token,
			AutoReconnect: true,
			Logger:        &logger,
		})

		ctx := context.Background()
		if err := transport.Connect(ctx); err != nil {
			return err
		}

		engine := relay.NewOrchestrator(client, transport, &relay.OrchestratorConfig{Logger: &logger})
		engine.OnCoarseMessage = func(msg relay.Message, senderLabel string) {
			fmt.Printf("[%s] %s: %s\n", msg.Conversation(cfg.Auth.UserID), senderLabel, msg.Body)
		}

		self := relay.User{ID: cfg.Auth.UserID, Email: cfg.Auth.Email}
		if err := engine.Restore(ctx, cfg.Auth.Token, self); err != nil {
			return err
		}
		defer engine.Logout()

		focused := flagGroupID != "" || flagDMPeer != ""
		if focused {
			ref, err := conversationFromFlags()
			if err != nil {
				return err
			}
			if err := engine.Select(ctx, ref); err != nil {
				return err
			}
			for _, m := range engine.Store().Messages() {
				sender := engine.Identity().Resolve(m.SenderID)
				if m.SenderID == cfg.Auth.UserID {
					sender = "me"
				}
				fmt.Printf("[%s] %s: %s\n", m.Timestamp, sender, m.Body)
			}
			// Lines typed on stdin are sent to the focused conversation.
			go func() {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					line := strings.TrimSpace(scanner.Text())
					if line == "" {
						continue
					}
					if _, err := engine.Send(ctx, line); err != nil {
						fmt.Fprintf(os.Stderr, "send failed: %v\n", err)
					}
				}
			}()
		}

		if focused {
			fmt.Fprintln(os.Stderr, "Watching... (type to send, Ctrl-C to stop)")
		} else {
			fmt.Fprintln(os.Stderr, "Watching... (Ctrl-C to stop)")
		}
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		return nil
	},
}
