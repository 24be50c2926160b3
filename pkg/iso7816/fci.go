package iso7816

import (
	"fmt"

	"github.com/gregLibert/ese-hal/pkg/tlv"
	"github.com/moov-io/bertlv"
)

// SELECT answers with file control information whose shape depends on bits 4-3 of P2
// (see SelectionControl):
//
//	ReturnFCI     optional '6F' wrapper holding '62' (FCP) and/or '64' (FMD), or the tags flat
//	ReturnFCP     mandatory '62'
//	ReturnFMD     mandatory '64'
//	ReturnNoData  nothing
//
// Applets on a secure element usually answer the flat form: '6F' { '84' AID, 'A5' {...} },
// where 'A5' carries the GlobalPlatform security domain data (SecurityDomainData).

// FCPTemplate (File Control Parameters) - Tag '62'.
type FCPTemplate struct {
	DataSizeExcludingStruct []byte `tlv:"80" fmt:"int"`
	TotalFileSize           []byte `tlv:"81" fmt:"int"`
	FileDescriptor          []byte `tlv:"82"`
	FileIdentifier          []byte `tlv:"83"`
	DFName                  []byte `tlv:"84" fmt:"ascii"`
	ProprietaryInfoRaw      []byte `tlv:"85"`
	SecurityAttrProprietary []byte `tlv:"86"`
	ExtFileControlInfoID    []byte `tlv:"87"`
	ShortEFIdentifier       []byte `tlv:"88"`
	LifeCycleStatus         []byte `tlv:"8A"`
	SecAttrRefExpanded      []byte `tlv:"8B"`
	SecurityAttrCompact     []byte `tlv:"8C"`
	SecEnvTemplateID        []byte `tlv:"8D"`
	ChannelSecurityAttr     []byte `tlv:"8E"`
	SecAttrTemplateData     []byte `tlv:"A0"`
	SecAttrTemplateProp     []byte `tlv:"A1"`
	OneOrMorePairs          []byte `tlv:"A2"`
	ProprietaryDataBER      []byte `tlv:"A5" fmt:"tlv"`
	SecurityAttrExpanded    []byte `tlv:"AB"`
	CryptoMechanismID       []byte `tlv:"AC"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FMDTemplate (File Management Data) - Tag '64'.
type FMDTemplate struct {
	ApplicationIdentifier []byte `tlv:"84" fmt:"ascii"`
	ApplicationLabel      []byte `tlv:"50" fmt:"ascii"`
	ProprietaryData53     []byte `tlv:"53"`
	ProprietaryData73     []byte `tlv:"73"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// FileControlInfo represents the parsed result of a SELECT command.
type FileControlInfo struct {
	FCP *FCPTemplate
	FMD *FMDTemplate

	// Unknown contains TLV tags that did not match FCP or FMD definitions
	Unknown []bertlv.TLV // (only populated in "flat" FCI parsing mode).

	ProprietaryRawData []byte
}

// GetAID attempts to retrieve the Application ID (Tag 84).
func (fci *FileControlInfo) GetAID() []byte {
	if fci.FCP != nil && len(fci.FCP.DFName) > 0 {
		return fci.FCP.DFName
	}
	if fci.FMD != nil && len(fci.FMD.ApplicationIdentifier) > 0 {
		return fci.FMD.ApplicationIdentifier
	}
	return nil
}

// DFName returns the Dedicated File Name (Tag 84) from FCP.
func (fci *FileControlInfo) DFName() []byte {
	if fci.FCP != nil {
		return fci.FCP.DFName
	}
	return nil
}

// ApplicationLabel returns the Application Label (Tag 50) from FMD.
func (fci *FileControlInfo) ApplicationLabel() []byte {
	if fci.FMD != nil {
		return fci.FMD.ApplicationLabel
	}
	return nil
}

// SecurityDomainData is the content of the proprietary template 'A5' returned by a
// GlobalPlatform security domain.
type SecurityDomainData struct {
	ManagementData []byte `tlv:"73"`
	MaxCommandData []byte `tlv:"9F65" fmt:"int"`
	LifeCycleData  []byte `tlv:"9F6E"`

	Unknown []bertlv.TLV `tlv:",unknown"`
}

// SecurityDomain decodes the proprietary template of the FCP. ok is false when the template is
// absent or not BER-TLV.
func (fci *FileControlInfo) SecurityDomain() (sd *SecurityDomainData, ok bool) {
	if fci == nil || fci.FCP == nil || len(fci.FCP.ProprietaryDataBER) == 0 {
		return nil, false
	}
	sd = &SecurityDomainData{}
	if err := tlv.Unmarshal(fci.FCP.ProprietaryDataBER, sd); err != nil {
		return nil, false
	}
	return sd, true
}

// MaxCommandLength returns the largest command data field the security domain accepts
// (tag '9F65'), or 0 when it is not announced.
func (sd *SecurityDomainData) MaxCommandLength() int {
	n := 0
	for _, b := range sd.MaxCommandData {
		n = n<<8 | int(b)
	}
	return n
}

// ParseSelectData parses the data field from a SELECT response according to P2.
func ParseSelectData(data []byte, p2 byte) (*FileControlInfo, error) {
	if len(data) == 0 {
		return nil, nil
	}

	if data[0] >= 0xC0 {
		return &FileControlInfo{ProprietaryRawData: data}, nil
	}

	packets, err := bertlv.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("BER-TLV decode failed: %w", err)
	}

	fci := &FileControlInfo{
		FCP: &FCPTemplate{},
		FMD: &FMDTemplate{},
	}

	switch SelectionControl(p2 & 0x0C) {
	case ReturnFCP:
		return fci, handleMandatoryTemplate(packets, "62", fci.FCP)

	case ReturnFMD:
		return fci, handleMandatoryTemplate(packets, "64", fci.FMD)

	case ReturnFCI:
		working := packets
		if wrapper, ok := tlv.Find(packets, "6F"); ok {
			working = wrapper.TLVs
		}

		foundFCP := unmarshalIfTagExists(working, "62", fci.FCP)
		foundFMD := unmarshalIfTagExists(working, "64", fci.FMD)
		if foundFCP || foundFMD {
			return fci, nil
		}

		// Flat form: FCP tags first, then FMD tags out of what is left.
		if err := tlv.UnmarshalFromPackets(working, fci.FCP); err != nil {
			return nil, fmt.Errorf("flat FCP unmarshal failed: %w", err)
		}
		rest := fci.FCP.Unknown
		fci.FCP.Unknown = nil

		if err := tlv.UnmarshalFromPackets(rest, fci.FMD); err != nil {
			return nil, fmt.Errorf("flat FMD unmarshal failed: %w", err)
		}
		fci.Unknown, fci.FMD.Unknown = fci.FMD.Unknown, nil

		return fci, nil

	default:
		return nil, nil
	}
}

func handleMandatoryTemplate(packets []bertlv.TLV, requiredTag string, target interface{}) error {
	if found := unmarshalIfTagExists(packets, requiredTag, target); !found {
		return fmt.Errorf("mandatory tag '%s' not found", requiredTag)
	}
	return nil
}

func unmarshalIfTagExists(packets []bertlv.TLV, tag string, target interface{}) bool {
	p, ok := tlv.Find(packets, tag)
	if !ok {
		return false
	}
	return tlv.UnmarshalFromPackets(p.TLVs, target) == nil
}
