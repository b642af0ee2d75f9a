package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"snakebox/client"
)

// newPlayCmd returns the `snakebox play` subcommand: a terminal presence
// client for poking at a running relay. It joins with a username, prints
// player-list and chat broadcasts as they arrive, and turns stdin lines
// into chat messages. "/score N" reports a new score, "/check N L" runs
// an achievement check, "/quit" leaves.
func newPlayCmd() *cobra.Command {
	var (
		server   string
		username string
		bots     int
		chatter  bool
	)

	cmd := &cobra.Command{
		Use:           "play",
		Short:         "Join a snakebox relay from the terminal.",
		Args:          cobra.ExactArgs(0),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			session := client.New(server, username)

			var pool *client.BotPool
			if bots > 0 {
				pool = client.NewBotPool(bots)
			}

			session.OnPlayers = func(players []client.Player) {
				if pool != nil {
					players = client.Merge(players, pool.Players())
				}
				parts := make([]string, 0, len(players))
				for _, p := range players {
					parts = append(parts, fmt.Sprintf("%s:%d", p.Username, p.Score))
				}
				fmt.Printf("online (%d): %s\n", len(players), strings.Join(parts, ", "))
			}
			session.OnChat = func(msg client.Message) {
				fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Format("15:04:05"), msg.Username, msg.Text)
			}
			session.OnAchievement = func(a client.Achievement) {
				fmt.Printf("achievement unlocked: %s (%s)\n", a.Name, a.Description)
			}
			session.OnError = func(message string) {
				fmt.Fprintf(os.Stderr, "server error: %s\n", message)
			}
			session.OnDisconnect = func(err error) {
				fmt.Fprintf(os.Stderr, "connection lost: %v\n", err)
			}

			if err := session.Connect(cmd.Context()); err != nil {
				return err
			}
			defer session.Close()

			fmt.Printf("joined %s as %q\n", server, username)

			if pool != nil {
				go func() {
					ticker := time.NewTicker(100 * time.Millisecond)
					defer ticker.Stop()
					for range ticker.C {
						pool.Advance()
					}
				}()
			}
			if pool != nil && chatter {
				go func() {
					for {
						time.Sleep(5*time.Second + time.Duration(rand.Intn(5))*time.Second)
						name, line := pool.ChatLine()
						_ = session.SendChat(fmt.Sprintf("<%s> %s", name, line))
					}
				}()
			}

			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				switch {
				case line == "":

				case line == "/quit":
					return nil

				case strings.HasPrefix(line, "/score "):
					n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, "/score ")))
					if err != nil {
						fmt.Fprintln(os.Stderr, "usage: /score <number>")
						continue
					}
					if err := session.UpdateScore(n); err != nil {
						return err
					}

				case strings.HasPrefix(line, "/check "):
					fields := strings.Fields(strings.TrimPrefix(line, "/check "))
					if len(fields) != 2 {
						fmt.Fprintln(os.Stderr, "usage: /check <score> <level>")
						continue
					}
					score, err1 := strconv.Atoi(fields[0])
					level, err2 := strconv.Atoi(fields[1])
					if err1 != nil || err2 != nil {
						fmt.Fprintln(os.Stderr, "usage: /check <score> <level>")
						continue
					}
					if err := session.CheckAchievements(score, level); err != nil {
						return err
					}

				default:
					if err := session.SendChat(line); err != nil {
						return err
					}
				}
			}
			return scanner.Err()
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&server, "server", "http://localhost:3001", "relay to join")
	fs.StringVarP(&username, "username", "u", "anonymous", "display name")
	fs.IntVar(&bots, "bots", 0, "number of local virtual players to fabricate")
	fs.BoolVar(&chatter, "chatter", false, "let the virtual players chat on your behalf")

	return cmd
}
