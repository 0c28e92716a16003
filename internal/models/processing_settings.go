package models

import "errors"

// ErrPrecheckRequiresOCR indicates an exam enables the AI precheck without OCR.
var ErrPrecheckRequiresOCR = errors.New("llm precheck requires ocr to be enabled")

// WorkProcessingSettings lists the optional pipeline stages active for an exam.
type WorkProcessingSettings struct {
	OCREnabled         bool `json:"ocr_enabled"`
	LLMPrecheckEnabled bool `json:"llm_precheck_enabled"`
}

// Validate enforces that the precheck stage never runs without OCR output.
func (s WorkProcessingSettings) Validate() error {
	if s.LLMPrecheckEnabled && !s.OCREnabled {
		return ErrPrecheckRequiresOCR
	}
	return nil
}

// InitialOCRStatus is the OCR sub-state a new submission starts in.
func (s WorkProcessingSettings) InitialOCRStatus() OCRStatus {
	if s.OCREnabled {
		return OCRStatusPending
	}
	return OCRStatusNotRequired
}

// InitialPrecheckStatus is the precheck sub-state a new submission starts in.
func (s WorkProcessingSettings) InitialPrecheckStatus() LLMPrecheckStatus {
	if s.LLMPrecheckEnabled {
		return LLMPrecheckStatusPending
	}
	return LLMPrecheckStatusSkipped
}
