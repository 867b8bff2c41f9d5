package oftp

import "fmt"

// EndSessionReason is the ESIDREAS code sent when a session ends.
type EndSessionReason int

// End session reason codes
const (
	EndSessionNone                                         EndSessionReason = 0
	EndSessionCommandNotRecognised                         EndSessionReason = 1
	EndSessionProtocolViolation                            EndSessionReason = 2
	EndSessionUserCodeNotKnown                             EndSessionReason = 3
	EndSessionInvalidPassword                              EndSessionReason = 4
	EndSessionLocalSiteEmergencyCloseDown                  EndSessionReason = 5
	EndSessionCommandContainedInvalidData                  EndSessionReason = 6
	EndSessionExchangeBufferSizeError                      EndSessionReason = 7
	EndSessionResourcesNotAvailable                        EndSessionReason = 8
	EndSessionTimeOut                                      EndSessionReason = 9
	EndSessionModeOrCapabilitiesIncompatible               EndSessionReason = 10
	EndSessionInvalidChallengeResponse                     EndSessionReason = 11
	EndSessionSecureAuthenticationRequirementsIncompatible EndSessionReason = 12
	EndSessionUnspecifiedAbortCode                         EndSessionReason = 99
)

func (r EndSessionReason) String() string {
	switch r {
	case EndSessionNone:
		return "normal session termination"
	case EndSessionCommandNotRecognised:
		return "command not recognised"
	case EndSessionProtocolViolation:
		return "protocol violation"
	case EndSessionUserCodeNotKnown:
		return "user code not known"
	case EndSessionInvalidPassword:
		return "invalid password"
	case EndSessionLocalSiteEmergencyCloseDown:
		return "local site emergency close down"
	case EndSessionCommandContainedInvalidData:
		return "command contained invalid data"
	case EndSessionExchangeBufferSizeError:
		return "exchange buffer size error"
	case EndSessionResourcesNotAvailable:
		return "resources not available"
	case EndSessionTimeOut:
		return "time out"
	case EndSessionModeOrCapabilitiesIncompatible:
		return "mode or capabilities incompatible"
	case EndSessionInvalidChallengeResponse:
		return "invalid challenge response"
	case EndSessionSecureAuthenticationRequirementsIncompatible:
		return "secure authentication requirements incompatible"
	case EndSessionUnspecifiedAbortCode:
		return "unspecified abort code"
	default:
		return fmt.Sprintf("end session reason %d", int(r))
	}
}

// AnswerReason is the reason code carried by negative file answers and
// negative end-to-end responses.
type AnswerReason int

// Answer reason codes
const (
	AnswerNone                            AnswerReason = 0
	AnswerInvalidFilename                 AnswerReason = 1
	AnswerInvalidDestination              AnswerReason = 2
	AnswerInvalidOrigin                   AnswerReason = 3
	AnswerStorageRecordFormatNotSupported AnswerReason = 4
	AnswerMaximumRecordLengthNotSupported AnswerReason = 5
	AnswerFileSizeIsTooBig                AnswerReason = 6
	AnswerInvalidRecordCount              AnswerReason = 10
	AnswerInvalidByteCount                AnswerReason = 11
	AnswerAccessMethodFailure             AnswerReason = 12
	AnswerDuplicateFile                   AnswerReason = 13
	AnswerFileDirectionRefused            AnswerReason = 14
	AnswerCipherSuiteNotSupported         AnswerReason = 15
	AnswerEncryptedFileNotAllowed         AnswerReason = 16
	AnswerUnencryptedFileNotAllowed       AnswerReason = 17
	AnswerCompressionNotAllowed           AnswerReason = 18
	AnswerSignedFileNotAllowed            AnswerReason = 19
	AnswerUnsignedFileNotAllowed          AnswerReason = 20
	AnswerInvalidFileSignature            AnswerReason = 21
	AnswerFileDecryptionFailure           AnswerReason = 22
	AnswerFileDecompressionFailure        AnswerReason = 23
	AnswerUnspecifiedReason               AnswerReason = 99
)

func (r AnswerReason) String() string {
	switch r {
	case AnswerNone:
		return "none"
	case AnswerInvalidFilename:
		return "invalid filename"
	case AnswerInvalidDestination:
		return "invalid destination"
	case AnswerInvalidOrigin:
		return "invalid origin"
	case AnswerStorageRecordFormatNotSupported:
		return "storage record format not supported"
	case AnswerMaximumRecordLengthNotSupported:
		return "maximum record length not supported"
	case AnswerFileSizeIsTooBig:
		return "file size is too big"
	case AnswerInvalidRecordCount:
		return "invalid record count"
	case AnswerInvalidByteCount:
		return "invalid byte count"
	case AnswerAccessMethodFailure:
		return "access method failure"
	case AnswerDuplicateFile:
		return "duplicate file"
	case AnswerFileDirectionRefused:
		return "file direction refused"
	case AnswerCipherSuiteNotSupported:
		return "cipher suite not supported"
	case AnswerEncryptedFileNotAllowed:
		return "encrypted file not allowed"
	case AnswerUnencryptedFileNotAllowed:
		return "unencrypted file not allowed"
	case AnswerCompressionNotAllowed:
		return "compression not allowed"
	case AnswerSignedFileNotAllowed:
		return "signed file not allowed"
	case AnswerUnsignedFileNotAllowed:
		return "unsigned file not allowed"
	case AnswerInvalidFileSignature:
		return "invalid file signature"
	case AnswerFileDecryptionFailure:
		return "file decryption failure"
	case AnswerFileDecompressionFailure:
		return "file decompression failure"
	case AnswerUnspecifiedReason:
		return "unspecified reason"
	default:
		return fmt.Sprintf("answer reason %d", int(r))
	}
}

// SecurityLevel is the SFIDSEC field of a 2.0 start file command.
type SecurityLevel int

// Security levels
const (
	SecurityNone               SecurityLevel = 0
	SecurityEncrypted          SecurityLevel = 1
	SecuritySigned             SecurityLevel = 2
	SecurityEncryptedAndSigned SecurityLevel = 3
)

// FileFormat is the SFIDFMT record format.
type FileFormat byte

// File formats
const (
	FormatFixed        FileFormat = 'F'
	FormatVariable     FileFormat = 'V'
	FormatUnstructured FileFormat = 'U'
	FormatText         FileFormat = 'T'
)

// Valid reports whether f is one of the four OFTP formats.
func (f FileFormat) Valid() bool {
	switch f {
	case FormatFixed, FormatVariable, FormatUnstructured, FormatText:
		return true
	}
	return false
}

// HasRecords reports whether restart positions and record counts are
// expressed in records rather than 1KB blocks.
func (f FileFormat) HasRecords() bool {
	return f == FormatFixed || f == FormatVariable
}

func (f FileFormat) String() string {
	return string(rune(f))
}

// CipherSuite describes one entry of the OFTP 2.0 cipher suite table.
type CipherSuite struct {
	Symmetric  string
	Asymmetric string
	Hash       string
}

// CipherSuites is indexed by the two digit SFIDCIPH value.
var CipherSuites = [...]CipherSuite{
	{},
	{Symmetric: "3DES_EDE_CBC_3KEY", Asymmetric: "RSA_PKCS1_15", Hash: "SHA1"},
	{Symmetric: "AES_256_CBC", Asymmetric: "RSA_PKCS1_15", Hash: "SHA1"},
	{Symmetric: "3DES_EDE_CBC_3KEY", Asymmetric: "RSA_PKCS1_15", Hash: "SHA256"},
	{Symmetric: "AES_256_CBC", Asymmetric: "RSA_PKCS1_15", Hash: "SHA256"},
	{Symmetric: "3DES_EDE_CBC_3KEY", Asymmetric: "RSA_PKCS1_15", Hash: "SHA512"},
	{Symmetric: "AES_256_CBC", Asymmetric: "RSA_PKCS1_15", Hash: "SHA512"},
}

// LookupCipherSuite returns the table entry for an index.
func LookupCipherSuite(index int) (CipherSuite, bool) {
	if index < 0 || index >= len(CipherSuites) {
		return CipherSuite{}, false
	}
	return CipherSuites[index], true
}
