package nvme

// PCI identity, matching bhyve's pci_nvme.c device table.
const (
	PCIVendorID = 0xFB5D
	PCIDeviceID = 0x0A0A

	PCIClassStorage              = 0x01
	PCISubclassNVM               = 0x08
	PCIProgIFEnterpriseNVMHCI1_0 = 0x02
)

// InterruptController is the host-side MSI-X delivery primitive. The
// controller never touches PCI config space or the VMM's interrupt
// injection path directly; it only calls through this boundary, the same
// separation bhyve draws between pci_nvme.c and pci_generate_msix().
type InterruptController interface {
	// SignalMSIX raises the given MSI-X vector for this device.
	SignalMSIX(vector uint16)
}

// noopInterruptController discards every signal; useful for unit tests
// that don't care about interrupt delivery.
type noopInterruptController struct{}

func (noopInterruptController) SignalMSIX(uint16) {}
