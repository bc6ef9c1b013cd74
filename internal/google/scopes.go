package google

import gmail "google.golang.org/api/gmail/v1"

// GmailScopes are requested by default. The pipeline only reads mail; labels
// and modify are kept so a later stage can mark processed messages.
var GmailScopes = []string{
	gmail.GmailReadonlyScope,
	gmail.GmailLabelsScope,
	gmail.GmailModifyScope,
}
