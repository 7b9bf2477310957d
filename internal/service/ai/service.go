package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"wingman/internal/models"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/flow/agent/react"
	"github.com/cloudwego/eino/schema"
)

const wingmanPrompt = "You are Wingman, a warm and witty dating assistant. " +
	"Help the user with what to say next in their chats, how to read the other person's messages, " +
	"profile feedback, and date ideas. Keep replies concise and practical, offer two or three concrete " +
	"message suggestions when the user asks what to send, and never encourage deception or pressure."

const describePrompt = "You describe images for a dating assistant that cannot see them. " +
	"If an image is a chat screenshot, transcribe the conversation with who said what. " +
	"If it is a profile or photo, describe the people, setting, and anything that could start a conversation. " +
	"Be factual and concise."

const titlePrompt = "You are a conversation title generator. " +
	"Based on the dialogue between the user and the assistant, generate a concise title for the conversation. " +
	"The title should be at most six words and summarize the main topic. " +
	"Output only the title; do not include any additional content."

// ErrEmptyReply is returned when the model streams nothing.
var ErrEmptyReply = errors.New("ai: model returned an empty reply")

// Service wraps the configured chat model for replies, image descriptions and titles.
type Service struct {
	chatModel model.ToolCallingChatModel
	agent     *react.Agent
	logger    *slog.Logger
}

// NewService builds the service. Replies run through a react agent when tools are given.
func NewService(ctx context.Context, chatModel model.ToolCallingChatModel, tools []tool.BaseTool, logger *slog.Logger) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{chatModel: chatModel, logger: logger}
	if len(tools) > 0 {
		agent, err := react.NewAgent(ctx, &react.AgentConfig{
			ToolCallingModel: chatModel,
			ToolsConfig: compose.ToolsNodeConfig{
				Tools: tools,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("init react agent: %w", err)
		}
		s.agent = agent
	}
	return s, nil
}

// DescribeImages asks the vision model to put the images into words.
func (s *Service) DescribeImages(ctx context.Context, imageURLs []string, userText string) (string, error) {
	if len(imageURLs) == 0 {
		return "", nil
	}
	parts := make([]schema.ChatMessagePart, 0, len(imageURLs)+1)
	if text := strings.TrimSpace(userText); text != "" {
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeText,
			Text: "The user sent these images with the message: " + text,
		})
	}
	parts = append(parts, imageParts(imageURLs)...)

	resp, err := s.chatModel.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: describePrompt},
		{Role: schema.User, MultiContent: parts},
	})
	if err != nil {
		return "", fmt.Errorf("describe images: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

// StreamReply generates the assistant's answer to latest given the earlier history.
// onChunk receives the reply accumulated so far after every streamed chunk.
func (s *Service) StreamReply(ctx context.Context, history []models.Message, latest models.Message, onChunk func(string) error) (string, error) {
	input := make([]*schema.Message, 0, len(history)+2)
	input = append(input, &schema.Message{Role: schema.System, Content: wingmanPrompt})
	input = append(input, convertHistory(history)...)
	input = append(input, convertLatest(latest))

	var (
		stream *schema.StreamReader[*schema.Message]
		err    error
	)
	if s.agent != nil {
		stream, err = s.agent.Stream(ctx, input)
	} else {
		stream, err = s.chatModel.Stream(ctx, input)
	}
	if err != nil {
		return "", fmt.Errorf("start reply stream: %w", err)
	}
	defer stream.Close()

	var full strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("receive reply chunk: %w", err)
		}
		if chunk == nil || chunk.Content == "" {
			continue
		}
		full.WriteString(chunk.Content)
		if onChunk != nil {
			if err := onChunk(full.String()); err != nil {
				return "", err
			}
		}
	}
	reply := strings.TrimSpace(full.String())
	if reply == "" {
		return "", ErrEmptyReply
	}
	return reply, nil
}

// GenerateTitle summarizes the opening exchange into a short title.
func (s *Service) GenerateTitle(ctx context.Context, messages []models.Message) (string, error) {
	if len(messages) == 0 {
		return models.DefaultConversationTitle, nil
	}
	var conversation strings.Builder
	for _, msg := range messages {
		switch msg.Sender {
		case models.SenderUser:
			fmt.Fprintf(&conversation, "User: %s\n", historyText(msg))
		case models.SenderAssistant:
			fmt.Fprintf(&conversation, "Assistant: %s\n", msg.Text())
		}
	}
	resp, err := s.chatModel.Generate(ctx, []*schema.Message{
		{Role: schema.System, Content: titlePrompt},
		{Role: schema.User, Content: "Please generate a clean title using following conversation messages:\n\n" + conversation.String()},
	})
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	title := strings.TrimSpace(resp.Content)
	if i := strings.IndexByte(title, '\n'); i >= 0 {
		title = strings.TrimSpace(title[:i])
	}
	title = strings.Trim(title, `"'`)
	if title == "" {
		return models.DefaultConversationTitle, nil
	}
	return title, nil
}

func convertHistory(history []models.Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(history))
	for _, msg := range history {
		switch msg.Sender {
		case models.SenderUser:
			out = append(out, &schema.Message{Role: schema.User, Content: historyText(msg)})
		case models.SenderAssistant:
			out = append(out, &schema.Message{Role: schema.Assistant, Content: msg.Text()})
		}
	}
	return out
}

// historyText flattens an earlier user turn; its images are represented by their description only.
func historyText(msg models.Message) string {
	text := msg.Text()
	if len(msg.ImageURLs) == 0 {
		return text
	}
	note := fmt.Sprintf("[%d image(s) attached", len(msg.ImageURLs))
	if msg.ImageDescription != nil && *msg.ImageDescription != "" {
		note += ": " + *msg.ImageDescription
	}
	note += "]"
	if text == "" {
		return note
	}
	return text + "\n" + note
}

func convertLatest(msg models.Message) *schema.Message {
	if len(msg.ImageURLs) == 0 {
		return &schema.Message{Role: schema.User, Content: msg.Text()}
	}
	parts := make([]schema.ChatMessagePart, 0, len(msg.ImageURLs)+2)
	if text := msg.Text(); text != "" {
		parts = append(parts, schema.ChatMessagePart{Type: schema.ChatMessagePartTypeText, Text: text})
	}
	if msg.ImageDescription != nil && *msg.ImageDescription != "" {
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeText,
			Text: "Description of the attached images: " + *msg.ImageDescription,
		})
	}
	parts = append(parts, imageParts(msg.ImageURLs)...)
	return &schema.Message{Role: schema.User, MultiContent: parts}
}

func imageParts(urls []string) []schema.ChatMessagePart {
	parts := make([]schema.ChatMessagePart, 0, len(urls))
	for _, u := range urls {
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{
				URL:    u,
				Detail: schema.ImageURLDetailAuto,
			},
		})
	}
	return parts
}
