package catalog

import "github.com/ILLUVRSE/installdesk/internal/models"

// DefaultEntries is the initial catalog installed by catalog-seed.
func DefaultEntries() []models.CatalogEntry {
	return []models.CatalogEntry{
		{Name: "Google Chrome", ExternalID: "Google.Chrome", DefaultVersion: "latest"},
		{Name: "Visual Studio Code", ExternalID: "Microsoft.VisualStudioCode", DefaultVersion: "latest"},
		{Name: "Slack", ExternalID: "SlackTechnologies.Slack", DefaultVersion: "latest"},
		{Name: "Zoom", ExternalID: "Zoom.Zoom", DefaultVersion: "latest"},
		{Name: "AWS CLI", ExternalID: "Amazon.AWSCLI", DefaultVersion: "latest"},
		{Name: "Azure CLI", ExternalID: "Microsoft.AzureCLI", DefaultVersion: "latest"},
		{Name: "Mozilla Firefox", ExternalID: "Mozilla.Firefox", DefaultVersion: "latest"},
		{Name: "Notepad++", ExternalID: "Notepad++.Notepad++", DefaultVersion: "latest"},
		{Name: "VLC Media Player", ExternalID: "VideoLAN.VLC", DefaultVersion: "latest"},
		{Name: "Postman", ExternalID: "Postman.Postman", DefaultVersion: "latest"},
		{Name: "Python", ExternalID: "Python.Python.3", DefaultVersion: "latest"},
		{Name: "Git", ExternalID: "Git.Git", DefaultVersion: "latest"},
	}
}
