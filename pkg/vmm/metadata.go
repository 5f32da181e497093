package vmm

// VMMetadata holds information about a virtual machine
type VMMetadata struct {
	Name         string   // VM domain name in libvirt (e.g., "openclaw-vmtest-1a2b3c4d")
	UUID         string   // libvirt domain UUID
	IP           string   // IPv4 address leased to the VM, empty until discovered
	MACAddress   string   // MAC address of the VM interface
	DomainXML    string   // Complete libvirt domain XML (for recovery/debugging)
	ConsoleLog   string   // Path of the serial console log file
	MemoryMB     uint     // Memory allocated to VM
	VCPUs        uint     // Number of virtual CPUs
	CreatedFiles []string // List of created files (disk, ISO, etc.) for audit and cleanup
}
