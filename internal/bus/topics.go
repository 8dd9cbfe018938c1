package bus

// Topic names shared by every service. Payload shapes live in types.go.
const (
	TopicInbound       = "messages.inbound"
	TopicOutbound      = "messages.outbound"
	TopicTicketCreate  = "ticket.create.request"
	TopicTicketUpdate  = "ticket.update.request"
	TopicTicketCreated = "ticket.created"
	TopicTicketUpdated = "ticket.updated"
	TopicAgentResponse = "agent.response"
	TopicNotifications = "service.notifications"
)

// Store key layout. Everything the services share through the key/value
// side of the fabric lives under one of these prefixes.
const (
	// KeyIncidentActive formats to incident:active:{chat}:{ticket_id}.
	KeyIncidentActive = "incident:active:"
	// KeyIncidentPending formats to incident:pending:{chat}:{msg_id}.
	KeyIncidentPending = "incident:pending:"
	// KeyTicketsPending is the persistent fallback queue for ticket creation.
	KeyTicketsPending = "tickets:pending"
)
