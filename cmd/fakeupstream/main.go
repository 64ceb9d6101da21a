// Command fakeupstream serves an in-memory imitation of the Discord REST API
// so the adapter can be run locally without a real bot token.
package main

import (
	"flag"
	"net/http"
	"time"

	"discord-adapter/internal/discord"
	"discord-adapter/internal/fakediscord"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	demoGuild   = "111111111111111111"
	demoChannel = "500000000000000000"
	demoBot     = "100000000000000000"
	demoUser    = "200000000000000000"
	demoAdmin   = "300000000000000000"
)

func main() {
	addr := flag.String("addr", ":8081", "listen address")
	prefix := flag.String("prefix", "/api/v10", "path prefix the adapter's base URL points at")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano

	up := seed()
	mux := http.NewServeMux()
	mux.Handle(*prefix+"/", http.StripPrefix(*prefix, up.Handler()))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy"}`))
	})

	log.Info().Str("addr", *addr).Str("prefix", *prefix).Msg("fake upstream listening")
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		log.Fatal().Err(err).Msg("server failed")
	}
}

// seed builds one guild with a bot ranked between a regular member and an
// admin, so every moderation outcome can be tried by hand.
func seed() *fakediscord.Server {
	up := fakediscord.New(discord.User{ID: demoBot, Username: "modbot"})
	display := "Alice"
	up.AddUser(discord.User{ID: demoUser, Username: "alice", GlobalName: &display})
	up.AddUser(discord.User{ID: demoAdmin, Username: "root"})
	up.AddGuild(discord.Guild{ID: demoGuild, Name: "Demo Guild", OwnerID: demoAdmin},
		discord.Role{ID: demoGuild, Name: "@everyone", Position: 0},
		discord.Role{ID: "400000000000000001", Name: "Member", Position: 1},
		discord.Role{ID: "400000000000000002", Name: "Moderation Bot", Position: 5},
		discord.Role{ID: "400000000000000003", Name: "Admin", Position: 10},
	)
	up.AddMember(demoGuild, demoBot, "400000000000000002")
	up.AddMember(demoGuild, demoUser, "400000000000000001")
	up.AddMember(demoGuild, demoAdmin, "400000000000000003")
	up.AddChannel(discord.Channel{ID: demoChannel, GuildID: demoGuild, Name: "general", Type: discord.ChannelTypeGuildText})
	up.AddMessage(discord.Message{
		ID:        "600000000000000000",
		ChannelID: demoChannel,
		Author:    discord.User{ID: demoUser, Username: "alice"},
		Content:   "hello from the fake upstream",
	})
	return up
}
