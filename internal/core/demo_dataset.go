package core

// DemoDataset returns the built-in inventory used when no dataset file is
// configured. configs/dataset.yaml carries the same records.
func DemoDataset() *StaticDataset {
	devices := []Device{
		{ID: "WS-001", Hostname: "ws-001.corp.local", Owner: "alice", OS: "Windows 11", RiskScore: 42},
		{ID: "WS-002", Hostname: "ws-002.corp.local", Owner: "bob", OS: "Windows 11", RiskScore: 18},
		{ID: "LAPTOP-17", Hostname: "laptop-17.corp.local", Owner: "carol", OS: "macOS 14", RiskScore: 27},
		{ID: "SRV-DB-01", Hostname: "db-01.corp.local", Owner: "svc-backup", OS: "Ubuntu 22.04", RiskScore: 65},
		{ID: "SRV-WEB-01", Hostname: "web-01.corp.local", Owner: "dave", OS: "Ubuntu 22.04", RiskScore: 55},
	}
	cases := []Case{
		{
			ID: "CASE-1001", Title: "Ransomware behavior on finance workstation",
			Severity: "high", Status: "open",
			AffectedDevices: []string{"WS-001"}, AffectedUsers: []string{"alice"},
		},
		{
			ID: "CASE-1002", Title: "Phishing link clicked from shared mailbox",
			Severity: "medium", Status: "open",
			AffectedDevices: []string{"LAPTOP-17", "WS-002"}, AffectedUsers: []string{"carol", "bob"},
		},
		{
			ID: "CASE-1003", Title: "Credential dumping on database server",
			Severity: "high", Status: "investigating",
			AffectedDevices: []string{"SRV-DB-01"}, AffectedUsers: []string{"svc-backup"},
		},
	}
	playbooks := []PlaybookDefinition{
		{
			ID: "PB-RANSOM", Name: "Ransomware Containment", Category: "malware",
			Description:      "Enrich indicators, confirm with a responder, then isolate the host.",
			RequiresApproval: true,
			Steps: []StepDefinition{
				{ID: "enrich", Type: StepEnrich, Name: "Enrich file hashes"},
				{ID: "approve", Type: StepApproval, Name: "Approve host isolation"},
				{ID: "isolate", Type: StepAction, Name: "Isolate host", DeviceAction: ActionIsolate},
			},
		},
		{
			ID: "PB-PHISH", Name: "Phishing Response", Category: "phishing",
			Description: "Look up the sender, block the landing domain and collect triage.",
			Steps: []StepDefinition{
				{ID: "lookup", Type: StepLookup, Name: "Look up sender reputation"},
				{
					ID: "block", Type: StepAction, Name: "Block landing domain",
					DeviceAction: ActionBlockDomain, Params: map[string]string{"domain": "login-micros0ft.example"},
				},
				{ID: "triage", Type: StepAction, Name: "Collect triage package", DeviceAction: ActionCollectTriage},
			},
		},
		{
			ID: "PB-CRED", Name: "Credential Theft Response", Category: "identity",
			Description:      "Enrich the alert, scan the host and, once approved, kill the dumping process.",
			RequiresApproval: true,
			Steps: []StepDefinition{
				{ID: "enrich", Type: StepEnrich, Name: "Enrich alert context"},
				{
					ID: "scan", Type: StepAction, Name: "Full antivirus scan",
					DeviceAction: ActionAVScan, Params: map[string]string{"scan_type": "full"},
				},
				{ID: "approve", Type: StepApproval, Name: "Approve process termination"},
				{
					ID: "kill", Type: StepAction, Name: "Kill dumping process",
					DeviceAction: ActionKillProcess, Params: map[string]string{"process": "procdump64.exe"},
				},
			},
		},
	}
	users := []string{"alice", "bob", "carol", "dave", "svc-backup"}
	return NewStaticDataset(devices, cases, playbooks, users)
}
