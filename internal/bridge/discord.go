// Package bridge relays chat between the game server console and a
// Discord channel. It only touches the process's I/O streams; failures
// here never affect lifecycle state.
package bridge

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"

	"github.com/bwmarrin/discordgo"
)

// chatRE matches player chat lines on the server console
var chatRE = regexp.MustCompile(`^\[\d\d:\d\d:\d\d\] \[Server thread/INFO\]: <([^>]+)> (.+)$`)

// CommandWriter writes a console command to the running server
type CommandWriter interface {
	WriteCommand(line string) error
}

// Discord is a two-way chat relay for one guild channel
type Discord struct {
	session   *discordgo.Session
	guildID   string
	channelID string
	writer    CommandWriter
}

// New creates a Discord bridge; call Start to connect
func New(botToken, guildID, channelID string, writer CommandWriter) (*Discord, error) {
	session, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("creating discord session: %w", err)
	}
	return &Discord{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
		writer:    writer,
	}, nil
}

// Start opens the gateway connection and begins relaying inbound
// channel messages into the server console
func (d *Discord) Start() error {
	d.session.AddHandler(d.onMessage)
	d.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentMessageContent
	if err := d.session.Open(); err != nil {
		return fmt.Errorf("connecting to discord: %w", err)
	}
	log.Printf("Connected discord bot")
	return nil
}

// Close shuts the gateway connection down
func (d *Discord) Close() {
	d.session.Close()
}

// HandleLine inspects one console output line and relays player chat to
// the channel. Safe to call on every line.
func (d *Discord) HandleLine(line string) {
	name, message, ok := parseChatLine(line)
	if !ok {
		return
	}
	if _, err := d.session.ChannelMessageSend(d.channelID, name+": "+message); err != nil {
		log.Printf("Error relaying chat to discord: %v", err)
	}
}

// parseChatLine extracts the player name and message from a console
// chat line
func parseChatLine(line string) (name, message string, ok bool) {
	m := chatRE.FindStringSubmatch(line)
	if m == nil {
		return "", "", false
	}
	return m[1], m[2], true
}

// onMessage relays a channel message into the game as a tellraw command
func (d *Discord) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.ChannelID != d.channelID {
		return
	}
	if d.guildID != "" && m.GuildID != d.guildID {
		return
	}
	if s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}

	display := m.Author.Username
	if m.Member != nil && m.Member.Nick != "" {
		display = m.Member.Nick
	}

	payload := []map[string]interface{}{
		{
			"text":  "<" + display + "> ",
			"color": "blue",
			"hoverEvent": map[string]string{
				"action": "show_text",
				"value":  m.Author.Username + "#" + m.Author.Discriminator,
			},
			"clickEvent": map[string]string{
				"action": "suggest_command",
				"value":  "<@" + m.Author.ID + "> ",
			},
		},
		{
			"text":  m.Content,
			"color": "white",
		},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("Error building tellraw payload: %v", err)
		return
	}
	if err := d.writer.WriteCommand("/tellraw @a " + string(data)); err != nil {
		log.Printf("Error relaying discord message to server: %v", err)
	}
}
