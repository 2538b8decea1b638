package guard

// defaultJailbreakPatterns catch attempts to replace the assistant's persona,
// discard prior instructions, or surface the system directives.
var defaultJailbreakPatterns = []string{
	`ignore\s+(?:all\s+)?(?:the\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|directions)`,
	`disregard\s+(?:all\s+)?(?:the\s+|your\s+)?(?:previous|prior|above|earlier)?\s*(?:instructions|rules|guidelines|prompt)`,
	`forget\s+(?:everything|all|your)\s+(?:instructions|rules|you\s+were\s+told|above)`,
	`override\s+(?:your|the)\s+(?:instructions|rules|safety|guidelines|system)`,
	`you\s+are\s+now\s+(?:a|an|the|my)\b`,
	`act\s+as\s+(?:a|an)\s+(?:general|different|new|unrestricted|unfiltered)`,
	`pretend\s+(?:to\s+be|you\s+are|that\s+you)`,
	`role[\s-]?play\s+as`,
	`(?:reveal|show|print|repeat|output|leak)\s+(?:me\s+)?(?:your|the)\s+(?:system\s+)?(?:prompt|instructions|directives)`,
	`system\s+prompt`,
	`(?:^|\n)\s*system\s*:`,
	`developer\s+mode`,
	`(?-i:\bDAN\b)`,
	`jailbreak`,
	`new\s+instructions\s*:`,
	`\[\s*(?:system|inst)\s*\]`,
	`<\|im_start\|>`,
}

// defaultOffTopicPatterns are a coarse topical gate for subjects outside the
// hackathon platform's domain.
var defaultOffTopicPatterns = []string{
	`\bweather\b`,
	`\b(?:recipe|recipes|cook|cooking|bake|baking)\b`,
	`\b(?:stock|stocks|crypto|bitcoin|ethereum)\s+(?:price|prices|market|tips)\b`,
	`\bwrite\s+(?:me\s+)?(?:a\s+|an\s+)?(?:poem|song|story|essay|novel|joke)\b`,
	`\b(?:horoscope|astrology|zodiac)\b`,
	`\b(?:sports?|football|soccer|basketball|nba|nfl)\s+(?:scores?|results|betting)\b`,
	`\b(?:election|politics|political\s+party)\b`,
	`\b(?:dating|girlfriend|boyfriend)\s+advice\b`,
	`\bmedical\s+(?:advice|diagnosis)\b`,
	`\bdo\s+my\s+homework\b`,
}
