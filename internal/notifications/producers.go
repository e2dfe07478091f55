package notifications

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/jmoiron/sqlx/types"

	"inbox-service/internal/models"
)

const previewLength = 80

// NewMessage builds the notification sent to the recipient of a chat message.
func NewMessage(recipientID string, msg models.Message) models.Notification {
	return build(recipientID, models.NotificationNewMessage, "New message", preview(msg.Content), models.NotificationPayload{
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		SenderID:       msg.SenderID,
	})
}

// NewProposal notifies a project owner that a proposal was received.
func NewProposal(ownerID, proposalID, projectTitle, professionalName string) models.Notification {
	return build(ownerID, models.NotificationNewProposal, "New proposal received",
		fmt.Sprintf("%s sent a proposal for %q", professionalName, projectTitle),
		models.NotificationPayload{ProposalID: proposalID, ProjectTitle: projectTitle})
}

// ProposalAccepted notifies a professional that their proposal was accepted.
func ProposalAccepted(professionalID, proposalID, projectTitle string) models.Notification {
	return build(professionalID, models.NotificationProposalAccepted, "Proposal accepted",
		fmt.Sprintf("Your proposal for %q was accepted", projectTitle),
		models.NotificationPayload{ProposalID: proposalID, ProjectTitle: projectTitle})
}

// ProposalRejected notifies a professional that their proposal was declined.
func ProposalRejected(professionalID, proposalID, projectTitle, reason string) models.Notification {
	body := reason
	if body == "" {
		body = fmt.Sprintf("Your proposal for %q was declined", projectTitle)
	}
	return build(professionalID, models.NotificationProposalRejected, "Proposal declined", body,
		models.NotificationPayload{ProposalID: proposalID, ProjectTitle: projectTitle, Reason: reason})
}

// NewProject notifies a professional about a newly published project.
func NewProject(userID, projectID, projectTitle string) models.Notification {
	return build(userID, models.NotificationNewProject, "New project", projectTitle,
		models.NotificationPayload{ProjectID: projectID, ProjectTitle: projectTitle})
}

func build(userID string, typ models.NotificationType, title, body string, payload models.NotificationPayload) models.Notification {
	data, _ := json.Marshal(payload)
	return models.Notification{
		UserID: userID,
		Type:   typ,
		Title:  title,
		Body:   body,
		Data:   types.JSONText(data),
	}
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "…"
}
