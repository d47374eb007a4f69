package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"beamnet/internal/client"
	"beamnet/internal/core/domain"
	"beamnet/pkg/logger"
	"beamnet/pkg/utils"
)

var (
	flagServer   string
	flagOrigin   string
	flagMedia    string
	flagRoom     string
	flagLogLevel string
)

var rootCmd = &cobra.Command{
	Use:   "beamnet-client",
	Short: "Broadcast to or watch a beamnet room",
	Long: `beamnet-client talks to a beamnet rendezvous server over websocket,
negotiates peer connections and either streams a local media file to a room
or watches an existing one.`,
	SilenceUsage: true,
}

var broadcastCmd = &cobra.Command{
	Use:   "broadcast",
	Short: "Start a broadcast and print the room code",
	Long: `Open a room on the server and stream the given IVF file to every
viewer that joins. If no room code is supplied a fresh one is generated.

Examples:
  beamnet-client broadcast --media clip.ivf
  beamnet-client broadcast --media clip.ivf --room 482`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBroadcast(cmd.Context())
	},
}

var viewCmd = &cobra.Command{
	Use:   "view <room-code|share-url>",
	Short: "Watch an existing broadcast",
	Long: `Join a room as a viewer. Accepts either the bare room code or the
share link printed by the broadcaster.

Examples:
  beamnet-client view 482
  beamnet-client view "http://localhost:8080?room=482"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runView(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagServer, "server", "ws://localhost:8080/ws", "websocket endpoint of the rendezvous server")
	rootCmd.PersistentFlags().StringVar(&flagOrigin, "origin", "", "http origin used in share links (derived from --server when empty)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")

	broadcastCmd.Flags().StringVar(&flagMedia, "media", "", "path to a VP8 IVF file to stream (required)")
	broadcastCmd.Flags().StringVar(&flagRoom, "room", "", "room code to announce (generated when empty)")
	broadcastCmd.MarkFlagRequired("media")

	rootCmd.AddCommand(broadcastCmd, viewCmd)
}

func runBroadcast(ctx context.Context) error {
	log := logger.NewConsole(flagLogLevel).Sugar()
	defer log.Sync()

	media, err := client.NewFileSource(flagMedia, log)
	if err != nil {
		return err
	}
	defer media.Close()

	ctrl := client.NewController(client.Options{
		Dialer:  client.NewWebSocketDialer(flagServer),
		Factory: client.NewSessionFactory(client.DefaultPeerConfig(), media, log),
		Origin:  shareOrigin(),
		Logger:  log,
		Callbacks: client.Callbacks{
			OnRoomCreated: func(roomID domain.RoomID, shareURL string) {
				fmt.Printf("Room code: %s\n", roomID)
				fmt.Printf("Share link: %s\n", shareURL)
			},
			OnViewerCount: func(count int) {
				fmt.Printf("Viewers: %d\n", count)
			},
			OnServerError: func(text string) {
				fmt.Fprintf(os.Stderr, "server: %s\n", text)
			},
			OnReconnecting: func(attempt int) {
				fmt.Fprintf(os.Stderr, "connection lost, retrying (attempt %d)\n", attempt)
			},
		},
	})

	if err := ctrl.StartBroadcast(ctx, flagRoom); err != nil {
		return err
	}
	return wait(ctx, ctrl)
}

func runView(ctx context.Context, target string) error {
	log := logger.NewConsole(flagLogLevel).Sugar()
	defer log.Sync()

	roomID := utils.NormalizeRoomCode(target)
	if strings.Contains(target, "://") {
		roomID = utils.RoomFromURL(target)
		if roomID == "" {
			return fmt.Errorf("share link carries no room code")
		}
	}

	ctrl := client.NewController(client.Options{
		Dialer:  client.NewWebSocketDialer(flagServer),
		Factory: client.NewSessionFactory(client.DefaultPeerConfig(), nil, log),
		Origin:  shareOrigin(),
		Logger:  log,
		Callbacks: client.Callbacks{
			OnJoined: func(viewerID domain.ViewerID) {
				fmt.Printf("Joined room %s as %s\n", roomID, viewerID)
			},
			OnBroadcasterLeft: func() {
				fmt.Println("Broadcast ended.")
			},
			OnServerError: func(text string) {
				fmt.Fprintf(os.Stderr, "server: %s\n", text)
			},
			OnReconnecting: func(attempt int) {
				fmt.Fprintf(os.Stderr, "connection lost, retrying (attempt %d)\n", attempt)
			},
		},
	})

	if err := ctrl.StartView(ctx, roomID); err != nil {
		return err
	}
	return wait(ctx, ctrl)
}

// wait blocks until the controller ends on its own or the user interrupts.
func wait(ctx context.Context, ctrl *client.Controller) error {
	select {
	case <-ctx.Done():
		ctrl.Close()
		<-ctrl.Done()
		return nil
	case <-ctrl.Done():
		return ctrl.Err()
	}
}

// shareOrigin derives the http origin for share links from the websocket
// endpoint unless one was given explicitly.
func shareOrigin() string {
	if flagOrigin != "" {
		return flagOrigin
	}
	u, err := url.Parse(flagServer)
	if err != nil {
		return flagServer
	}
	switch u.Scheme {
	case "wss":
		u.Scheme = "https"
	default:
		u.Scheme = "http"
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
