package rules

import "regexp"

// Detector ids, mirrored from pkg/config to keep this package leaf-level.
const (
	detPhishing = "phishing"
	detQuishing = "quishing"
	detCollect  = "collect"
	detMalware  = "malware"
)

// Structural rule names evaluated inside the detectors. Exported so detector
// code and tests reference one spelling.
const (
	// Quishing
	RuleQRPayeeMismatch    = "qr_payee_mismatch"
	RuleQRAmountMismatch   = "qr_amount_mismatch"
	RuleQRBadScheme        = "qr_bad_scheme"
	RuleQRIPHost           = "qr_ip_host"
	RuleQRShortenerHost    = "qr_shortener_host"
	RuleQRNonstandardParam = "qr_nonstandard_params"
	RuleQRHighEntropy      = "qr_high_entropy"

	// Phishing (structural)
	RulePhishShortenerURL = "url_shortener"
	RulePhishHomoglyph    = "homoglyph_obfuscation"
	RulePhishListedURL    = "listed_malicious_url"

	// Collect (structural)
	RuleCollectLargeNewPayee = "collect_large_new_payee"
	RuleCollectOffHours      = "off_hours"
	RuleCollectAboveBaseline = "amount_above_baseline"
	RuleCollectHighVelocity  = "high_velocity_payer"

	// Malware
	RuleMalDebugger             = "debugger_attached"
	RuleMalSideloadAccessibilty = "sideload_with_accessibility"
	RuleMalAccessibility        = "accessibility_service_active"
	RuleMalOverlay              = "screen_overlay_active"
	RuleMalSuspiciousApp        = "suspicious_app_flag"
	RuleMalSideload             = "recent_sideload"
	RuleMalAppFlood             = "excessive_installed_apps"
)

// Substituted rule names the coordinator injects; registered with zero weight
// so ScoreHits and the explainer resolve them.
const (
	RuleTimeout             = "timeout"
	RuleDetectorUnavailable = "detector_unavailable"
)

var rePhoneNumber = regexp.MustCompile(`\b[6-9]\d{9}\b`)

func defaultShortenerHosts() []string {
	return []string{
		"bit.ly", "tinyurl.com", "goo.gl", "t.co", "cutt.ly",
		"rb.gy", "is.gd", "tiny.cc", "shorturl.at", "ow.ly",
	}
}

// registerCatalogue populates the built-in rule set. Weights are calibrated
// so that a credible attack trips the hard-override gate (sum >= 0.85) while
// a single soft indicator stays well below the WARN band on its own.
func registerCatalogue(r *Registry) {
	// =========================================================================
	// Phishing: urgency/authority language, credential harvesting, link bait.
	// =========================================================================
	r.register(&Rule{
		Name: "otp_share", Detector: detPhishing, Weight: 0.45, Hard: true,
		Description: "asks to share an OTP or one-time password",
		kind:        KindMemo,
		groups: [][]string{
			{"otp", "one time password", "one-time password"},
			{"share", "tell", "send", "give", "forward", "read out"},
		},
	})
	r.register(&Rule{
		Name: "callback_phone", Detector: detPhishing, Weight: 0.40, Hard: true,
		Description: "contains a phone number with a call-back demand",
		kind:        KindMemo,
		regex:       rePhoneNumber,
		groups:      [][]string{{"call back", "callback", "call immediately", "call now"}},
	})
	r.register(&Rule{
		Name: "urgency_language", Detector: detPhishing, Weight: 0.25,
		Description: "urgent or threatening language",
		kind:        KindMemo,
		groups: [][]string{{
			"urgent", "immediately", "emergency", "act now", "final notice",
			"last warning", "expire", "suspended", "locked", "action required",
		}},
	})
	r.register(&Rule{
		Name: "credential_bait", Detector: detPhishing, Weight: 0.30,
		Description: "requests credentials (OTP/PIN/CVV/password)",
		kind:        KindMemo,
		groups:      [][]string{{"otp", "one time password", "one-time password", "pin", "cvv", "password", "pwd"}},
	})
	r.register(&Rule{
		Name: "kyc_language", Detector: detPhishing, Weight: 0.20,
		Description: "mimics a bank or KYC verification notice",
		kind:        KindMemo,
		groups: [][]string{{
			"kyc", "verify", "verification", "blocked", "deactivated",
			"unauthorized", "re-activate", "reactivate",
		}},
	})
	r.register(&Rule{
		Name: "reward_bait", Detector: detPhishing, Weight: 0.20,
		Description: "promises a reward, refund, or lottery win",
		kind:        KindMemo,
		groups:      [][]string{{"reward", "lottery", "prize", "won ", "winner", "cashback", "refund"}},
	})
	r.register(&Rule{
		Name: "contains_url", Detector: detPhishing, Weight: 0.15,
		Description: "message contains a link",
		kind:        KindMemo,
		regex:       regexp.MustCompile(`https?://|www\.|\b[a-z0-9-]+\.(?:com|in|net|org|ly|gd|co)/`),
	})
	r.register(&Rule{
		Name: "suspicious_payee_handle", Detector: detPhishing, Weight: 0.15,
		Description: "payee address imitates a support or verification account",
		kind:        KindPayee,
		groups:      [][]string{{"verify", "security", "support", "official", "service", "helpdesk"}},
	})
	r.register(&Rule{
		Name: RulePhishShortenerURL, Detector: detPhishing, Weight: 0.40, Hard: true,
		Description: "link uses a known URL shortener",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RulePhishHomoglyph, Detector: detPhishing, Weight: 0.25,
		Description: "message hides text behind lookalike characters",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RulePhishListedURL, Detector: detPhishing, Weight: 0.60, Hard: true,
		Description: "link is on a malicious-URL blocklist",
		kind:        KindStructural,
	})

	// =========================================================================
	// Quishing: QR payload at odds with the visible transaction.
	// =========================================================================
	r.register(&Rule{
		Name: RuleQRPayeeMismatch, Detector: detQuishing, Weight: 0.60, Hard: true,
		Description: "QR payee differs from the payee shown to the payer",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleQRAmountMismatch, Detector: detQuishing, Weight: 0.35, Hard: true,
		Description: "QR-encoded amount differs from the requested amount",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleQRBadScheme, Detector: detQuishing, Weight: 0.45, Hard: true,
		Description: "QR payload does not use the upi: scheme",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleQRIPHost, Detector: detQuishing, Weight: 0.45, Hard: true,
		Description: "QR link points at a raw IP address",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleQRShortenerHost, Detector: detQuishing, Weight: 0.30,
		Description: "QR link goes through a URL shortener",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleQRNonstandardParam, Detector: detQuishing, Weight: 0.15,
		Description: "QR payload carries non-standard parameters",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleQRHighEntropy, Detector: detQuishing, Weight: 0.15,
		Description: "QR payload looks machine-generated (high entropy)",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: "qr_prize_bait", Detector: detQuishing, Weight: 0.20,
		Description: "scan-to-claim prize language around a QR payment",
		kind:        KindMemo,
		groups: [][]string{
			{"prize", "won ", "winner", "reward", "congratulations", "claim", "free", "gift", "bonus"},
		},
	})

	// =========================================================================
	// Collect requests: pull-payment coercion and bait.
	// =========================================================================
	r.register(&Rule{
		Name: RuleCollectLargeNewPayee, Detector: detCollect, Weight: 0.50, Hard: true,
		Description: "large collect request from a first-time payee",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: "collect_request", Detector: detCollect, Weight: 0.10,
		Description: "payee-initiated collect request",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: "threat_language", Detector: detCollect, Weight: 0.30,
		Description: "threatens legal or police action",
		kind:        KindMemo,
		groups:      [][]string{{"legal", "court", "police", "arrest", "penalty", "fine", "lawyer", "case filed"}},
	})
	r.register(&Rule{
		Name: "dues_claim", Detector: detCollect, Weight: 0.15,
		Description: "claims unpaid dues or outstanding debt",
		kind:        KindMemo,
		groups:      [][]string{{"due", "dues", "debt", "owe", "outstanding", "unpaid", "pending payment"}},
	})
	r.register(&Rule{
		Name: "authority_impersonation", Detector: detCollect, Weight: 0.15,
		Description: "impersonates a government department or authority",
		kind:        KindMemo,
		groups:      [][]string{{"government", "tax", "department", "official", "authority", "ministry", "officer"}},
	})
	r.register(&Rule{
		Name: "collect_reward_bait", Detector: detCollect, Weight: 0.30,
		Description: "approve-to-claim reward bait on a collect request",
		kind:        KindMemo,
		groups:      [][]string{{"prize", "claim", "reward", "won ", "winner", "lottery", "gift", "bonus"}},
	})
	r.register(&Rule{
		Name: RuleCollectOffHours, Detector: detCollect, Weight: 0.10,
		Description: "requested outside normal hours",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleCollectAboveBaseline, Detector: detCollect, Weight: 0.15,
		Description: "amount far above the payer's usual spending",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleCollectHighVelocity, Detector: detCollect, Weight: 0.10,
		Description: "unusually many transactions from this payer today",
		kind:        KindStructural,
	})

	// =========================================================================
	// Malware / device compromise: client-supplied posture flags.
	// =========================================================================
	r.register(&Rule{
		Name: RuleMalDebugger, Detector: detMalware, Weight: 0.65, Hard: true,
		Description: "a debugger is attached to the payment app",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleMalSideloadAccessibilty, Detector: detMalware, Weight: 0.50, Hard: true,
		Description: "recently sideloaded app holds accessibility control",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleMalAccessibility, Detector: detMalware, Weight: 0.25,
		Description: "an accessibility service is reading the screen",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleMalOverlay, Detector: detMalware, Weight: 0.30,
		Description: "another app is drawing over the payment screen",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleMalSuspiciousApp, Detector: detMalware, Weight: 0.30,
		Description: "a known-suspicious app is installed",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleMalSideload, Detector: detMalware, Weight: 0.25,
		Description: "an app was recently installed from outside the store",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleMalAppFlood, Detector: detMalware, Weight: 0.10,
		Description: "unusually many installed apps",
		kind:        KindStructural,
	})

	// =========================================================================
	// Substitution markers (zero weight; present so explainers resolve them).
	// =========================================================================
	r.register(&Rule{
		Name: RuleTimeout, Detector: "", Weight: 0,
		Description: "detector timed out; neutral score substituted",
		kind:        KindStructural,
	})
	r.register(&Rule{
		Name: RuleDetectorUnavailable, Detector: "", Weight: 0,
		Description: "detector unavailable; neutral score substituted",
		kind:        KindStructural,
	})
}
