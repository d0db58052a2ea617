package device

import (
	"bytes"
	"errors"
	"testing"

	"github.com/cring/acceleratorinator/pkg"
)

// setupTestDevice builds an addressed accelerator-shaped device with one
// vendor interface and a bulk endpoint pair.
func setupTestDevice(t *testing.T) *Device {
	t.Helper()
	dev, err := NewDeviceBuilder().
		WithVendorProduct(0xC0DE, 0xCAFE).
		WithStrings("Cring Electronics", "Video acceleratorinator", "12345678").
		AddConfiguration(1).
		AddInterface(ClassVendor, 0, 0).
		AddEndpoint(0x01, EndpointTypeBulk, 64).
		AddEndpoint(0x81, EndpointTypeBulk, 64).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	dev.Reset()
	if err := dev.SetAddress(1); err != nil {
		t.Fatalf("SetAddress() error = %v", err)
	}
	return dev
}

func TestStandardRequestHandler_GetDescriptor(t *testing.T) {
	dev := setupTestDevice(t)
	h := NewStandardRequestHandler(dev)

	tests := []struct {
		name    string
		value   uint16
		length  uint16
		wantLen int
		check   func(t *testing.T, data []byte)
	}{
		{
			name:    "device",
			value:   uint16(DescriptorTypeDevice) << 8,
			length:  64,
			wantLen: DeviceDescriptorSize,
			check: func(t *testing.T, data []byte) {
				var desc DeviceDescriptor
				if err := ParseDeviceDescriptor(data, &desc); err != nil {
					t.Fatalf("ParseDeviceDescriptor() error = %v", err)
				}
				if desc.VendorID != 0xC0DE || desc.ProductID != 0xCAFE {
					t.Errorf("VID:PID = %04X:%04X", desc.VendorID, desc.ProductID)
				}
			},
		},
		{
			name:    "device truncated",
			value:   uint16(DescriptorTypeDevice) << 8,
			length:  8,
			wantLen: 8,
		},
		{
			name:    "configuration tree",
			value:   uint16(DescriptorTypeConfiguration) << 8,
			length:  255,
			wantLen: ConfigurationDescriptorSize + InterfaceDescriptorSize + 2*EndpointDescriptorSize,
		},
		{
			name:    "configuration header",
			value:   uint16(DescriptorTypeConfiguration) << 8,
			length:  ConfigurationDescriptorSize,
			wantLen: ConfigurationDescriptorSize,
			check: func(t *testing.T, data []byte) {
				if total := int(data[2]) | int(data[3])<<8; total != 32 {
					t.Errorf("wTotalLength = %d, want 32", total)
				}
			},
		},
		{
			name:    "languages",
			value:   uint16(DescriptorTypeString) << 8,
			length:  255,
			wantLen: 4,
		},
		{
			name:    "product string",
			value:   uint16(DescriptorTypeString)<<8 | 2,
			length:  255,
			wantLen: 2 + 2*len("Video acceleratorinator"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := &SetupPacket{
				RequestType: RequestDirectionDeviceToHost,
				Request:     RequestGetDescriptor,
				Value:       tt.value,
				Length:      tt.length,
			}
			data, err := h.HandleSetup(setup, nil)
			if err != nil {
				t.Fatalf("HandleSetup() error = %v", err)
			}
			if len(data) != tt.wantLen {
				t.Errorf("len = %d, want %d", len(data), tt.wantLen)
			}
			if tt.check != nil {
				tt.check(t, data)
			}
		})
	}
}

func TestStandardRequestHandler_GetDescriptorErrors(t *testing.T) {
	dev := setupTestDevice(t)
	h := NewStandardRequestHandler(dev)

	tests := []struct {
		name  string
		value uint16
		want  error
	}{
		{"missing configuration", uint16(DescriptorTypeConfiguration)<<8 | 1, pkg.ErrInvalidRequest},
		{"missing string", uint16(DescriptorTypeString)<<8 | 5, pkg.ErrInvalidRequest},
		{"device qualifier", uint16(DescriptorTypeDeviceQualifier) << 8, pkg.ErrNotSupported},
		{"unknown type", 0x4200, pkg.ErrInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setup := &SetupPacket{
				RequestType: RequestDirectionDeviceToHost,
				Request:     RequestGetDescriptor,
				Value:       tt.value,
				Length:      64,
			}
			if _, err := h.HandleSetup(setup, nil); !errors.Is(err, tt.want) {
				t.Errorf("HandleSetup() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestStandardRequestHandler_Configuration(t *testing.T) {
	dev := setupTestDevice(t)
	h := NewStandardRequestHandler(dev)

	get := &SetupPacket{
		RequestType: RequestDirectionDeviceToHost,
		Request:     RequestGetConfiguration,
		Length:      1,
	}
	data, err := h.HandleSetup(get, nil)
	if err != nil || !bytes.Equal(data, []byte{0}) {
		t.Fatalf("GET_CONFIGURATION = % X, %v; want 00", data, err)
	}

	set := &SetupPacket{Request: RequestSetConfiguration, Value: 1}
	if _, err := h.HandleSetup(set, nil); err != nil {
		t.Fatalf("SET_CONFIGURATION error = %v", err)
	}
	if !dev.IsConfigured() {
		t.Error("device should be configured")
	}

	data, _ = h.HandleSetup(get, nil)
	if !bytes.Equal(data, []byte{1}) {
		t.Errorf("GET_CONFIGURATION = % X, want 01", data)
	}

	set.Value = 3
	if _, err := h.HandleSetup(set, nil); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("SET_CONFIGURATION(3) error = %v, want ErrInvalidRequest", err)
	}
}

func TestStandardRequestHandler_SetAddress(t *testing.T) {
	dev := setupTestDevice(t)
	h := NewStandardRequestHandler(dev)

	setup := &SetupPacket{Request: RequestSetAddress, Value: 0x8A}
	if _, err := h.HandleSetup(setup, nil); err != nil {
		t.Fatalf("SET_ADDRESS error = %v", err)
	}
	if dev.Address() != 0x0A {
		t.Errorf("Address() = %#x, want 0x0A", dev.Address())
	}
}

func TestStandardRequestHandler_DeviceStatusAndFeatures(t *testing.T) {
	dev := setupTestDevice(t)
	h := NewStandardRequestHandler(dev)

	set := &SetupPacket{Request: RequestSetFeature, Value: FeatureDeviceRemoteWakeup}
	if _, err := h.HandleSetup(set, nil); err != nil {
		t.Fatalf("SET_FEATURE error = %v", err)
	}

	status := &SetupPacket{
		RequestType: RequestDirectionDeviceToHost,
		Request:     RequestGetStatus,
		Length:      2,
	}
	data, err := h.HandleSetup(status, nil)
	if err != nil || !bytes.Equal(data, []byte{0x02, 0x00}) {
		t.Errorf("GET_STATUS = % X, %v; want 02 00", data, err)
	}

	unset := &SetupPacket{Request: RequestClearFeature, Value: FeatureDeviceRemoteWakeup}
	h.HandleSetup(unset, nil)
	data, _ = h.HandleSetup(status, nil)
	if !bytes.Equal(data, []byte{0x00, 0x00}) {
		t.Errorf("GET_STATUS after clear = % X, want 00 00", data)
	}

	status.Length = 1
	if _, err := h.HandleSetup(status, nil); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("GET_STATUS with short wLength error = %v", err)
	}

	bad := &SetupPacket{Request: RequestSetFeature, Value: FeatureEndpointHalt}
	if _, err := h.HandleSetup(bad, nil); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("SET_FEATURE(halt) on device error = %v", err)
	}

	desc := &SetupPacket{Request: RequestSetDescriptor}
	if _, err := h.HandleSetup(desc, nil); !errors.Is(err, pkg.ErrNotSupported) {
		t.Errorf("SET_DESCRIPTOR error = %v, want ErrNotSupported", err)
	}
}

func TestStandardRequestHandler_Interface(t *testing.T) {
	dev := setupTestDevice(t)
	h := NewStandardRequestHandler(dev)

	get := &SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestRecipientInterface,
		Request:     RequestGetInterface,
		Length:      1,
	}
	if _, err := h.HandleSetup(get, nil); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("GET_INTERFACE unconfigured error = %v, want ErrInvalidRequest", err)
	}

	dev.SetConfiguration(1)

	set := &SetupPacket{
		RequestType: RequestRecipientInterface,
		Request:     RequestSetInterface,
		Value:       1,
	}
	if _, err := h.HandleSetup(set, nil); err != nil {
		t.Fatalf("SET_INTERFACE error = %v", err)
	}
	data, err := h.HandleSetup(get, nil)
	if err != nil || !bytes.Equal(data, []byte{1}) {
		t.Errorf("GET_INTERFACE = % X, %v; want 01", data, err)
	}
}

func TestStandardRequestHandler_EndpointHalt(t *testing.T) {
	dev := setupTestDevice(t)
	dev.SetConfiguration(1)
	h := NewStandardRequestHandler(dev)

	ep := dev.GetEndpoint(0x81)
	if ep == nil {
		t.Fatal("GetEndpoint(0x81) = nil")
	}
	ep.ToggleData()

	halt := &SetupPacket{
		RequestType: RequestRecipientEndpoint,
		Request:     RequestSetFeature,
		Value:       FeatureEndpointHalt,
		Index:       0x81,
	}
	if _, err := h.HandleSetup(halt, nil); err != nil {
		t.Fatalf("SET_FEATURE(halt) error = %v", err)
	}
	if !ep.IsStalled() {
		t.Error("endpoint should be halted")
	}

	status := &SetupPacket{
		RequestType: RequestDirectionDeviceToHost | RequestRecipientEndpoint,
		Request:     RequestGetStatus,
		Index:       0x81,
		Length:      2,
	}
	data, _ := h.HandleSetup(status, nil)
	if !bytes.Equal(data, []byte{0x01, 0x00}) {
		t.Errorf("GET_STATUS = % X, want 01 00", data)
	}

	halt.Request = RequestClearFeature
	if _, err := h.HandleSetup(halt, nil); err != nil {
		t.Fatalf("CLEAR_FEATURE(halt) error = %v", err)
	}
	if ep.IsStalled() || ep.DataToggle() {
		t.Error("CLEAR_FEATURE(halt) should clear the halt and reset the toggle")
	}

	status.Index = 0x05
	if _, err := h.HandleSetup(status, nil); !errors.Is(err, pkg.ErrInvalidEndpoint) {
		t.Errorf("GET_STATUS on missing endpoint error = %v, want ErrInvalidEndpoint", err)
	}
}

func TestStandardRequestHandler_RejectsNonStandard(t *testing.T) {
	h := NewStandardRequestHandler(setupTestDevice(t))

	setup := &SetupPacket{RequestType: RequestTypeVendor}
	if _, err := h.HandleSetup(setup, nil); !errors.Is(err, pkg.ErrInvalidRequest) {
		t.Errorf("HandleSetup(vendor) error = %v, want ErrInvalidRequest", err)
	}
}
